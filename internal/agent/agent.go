// Package agent runs the external coding agent as a subprocess.
package agent

import (
	"context"
	"fmt"
	"time"
)

// Agent is the capability the execution engine and reviewer depend on: run
// an instruction in a working directory and report the transcript.
type Agent interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Run executes the agent with the given prompt and options. A non-zero
	// exit is reported as *ExitError.
	Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error)
}

// RunOpts configures an agent run.
type RunOpts struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Stream receives output lines as they arrive. Output is still
	// collected in Result.Output.
	Stream chan<- string

	// Timeout for the entire run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result is the outcome of a successful (zero-exit) run.
type Result struct {
	// Output is the full stdout transcript.
	Output string

	// Duration is how long the run took.
	Duration time.Duration
}

// ExitError is returned when the agent ran but exited non-zero, timed out or
// was cancelled.
type ExitError struct {
	Agent  string
	Code   int
	Output string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %v\nstderr: %s", e.Agent, e.Code, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d: %v", e.Agent, e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
