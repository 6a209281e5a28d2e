package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const waitDelay = 5 * time.Second

// DefaultArgs run Claude Code unattended and print the transcript.
var DefaultArgs = []string{"--dangerously-skip-permissions", "--print"}

// ClaudeAgent runs a Claude Code compatible CLI. The prompt is passed as the
// final argument.
type ClaudeAgent struct {
	// Command is the binary to run. Defaults to "claude".
	Command string

	// Args precede the prompt. Nil means DefaultArgs.
	Args []string
}

// NewClaudeAgent creates a new Claude Code agent with default settings.
func NewClaudeAgent() *ClaudeAgent {
	return &ClaudeAgent{Command: "claude"}
}

// Name returns the base name of the configured command.
func (a *ClaudeAgent) Name() string {
	return filepath.Base(a.command())
}

// Available checks if the command is installed and accessible.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Run executes the agent in opts.Dir and blocks until it exits.
func (a *ClaudeAgent) Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error) {
	start := time.Now()

	parent := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, a.args()...), prompt)
	cmd := exec.CommandContext(ctx, a.command(), args...)
	cmd.Dir = opts.Dir
	// Children of the agent may hold stdout open after it is killed.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr

	var runErr error
	if opts.Stream != nil {
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", a.Name(), err)
		}

		readErr := a.stream(ctx, stdoutPipe, &stdout, opts.Stream)
		runErr = cmd.Wait()
		if runErr == nil && readErr != nil {
			return nil, readErr
		}
	} else {
		cmd.Stdout = &stdout
		runErr = cmd.Run()
	}

	if runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return nil, fmt.Errorf("start %s: %w", a.Name(), runErr)
		}
		exitErr := &ExitError{
			Agent:  a.Name(),
			Code:   -1,
			Output: stdout.String(),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    runErr,
		}
		var procErr *exec.ExitError
		if errors.As(runErr, &procErr) {
			exitErr.Code = procErr.ExitCode()
		}
		switch {
		case parent.Err() != nil:
			exitErr.Err = fmt.Errorf("cancelled: %w", parent.Err())
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			exitErr.Err = fmt.Errorf("timed out after %v", opts.Timeout)
		}
		return nil, exitErr
	}

	return &Result{
		Output:   stdout.String(),
		Duration: time.Since(start),
	}, nil
}

// stream copies the agent's stdout into buf and forwards it line by line.
// Lines are not length limited. After a read error the rest of the pipe is
// still drained so the agent never blocks on a full pipe.
func (a *ClaudeAgent) stream(ctx context.Context, r io.Reader, buf *bytes.Buffer, out chan<- string) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			buf.WriteString(line)
			select {
			case out <- line:
			case <-ctx.Done():
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = io.Copy(buf, r)
			return fmt.Errorf("read %s output: %w", a.Name(), err)
		}
	}
}

// command returns the binary path.
func (a *ClaudeAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "claude"
}

func (a *ClaudeAgent) args() []string {
	if a.Args != nil {
		return a.Args
	}
	return DefaultArgs
}
