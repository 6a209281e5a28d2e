package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Outcome is the reviewer's decision.
type Outcome int

const (
	OutcomePassed Outcome = iota
	OutcomePassedWithNotes
	OutcomeFailed
)

// String returns the verdict token for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePassedWithNotes:
		return "PASSED_WITH_NOTES"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "PASSED"
	}
}

// Verdict is the result of a review pass.
type Verdict struct {
	Outcome Outcome
	Notes   string
	Reason  string

	// Lenient is set when the verdict was defaulted because the reviewer
	// failed to run or produced no verdict token.
	Lenient bool

	// Skipped is set when review is disabled.
	Skipped bool
}

// Passed reports whether the task may be closed.
func (v Verdict) Passed() bool {
	return v.Outcome != OutcomeFailed
}

// Err returns a *ReviewError for a failed verdict and nil otherwise.
func (v Verdict) Err(taskID string) error {
	if v.Passed() {
		return nil
	}
	return &ReviewError{TaskID: taskID, Reason: v.Reason}
}

func (v Verdict) String() string {
	var s string
	switch {
	case v.Outcome == OutcomeFailed:
		s = fmt.Sprintf("FAILED: %s", v.Reason)
	case v.Outcome == OutcomePassedWithNotes:
		s = fmt.Sprintf("PASSED_WITH_NOTES: %s", v.Notes)
	default:
		s = "PASSED"
	}
	if v.Skipped {
		s += " (skipped)"
	} else if v.Lenient {
		s += " (lenient)"
	}
	return s
}

// ReviewError is an explicit FAILED verdict.
type ReviewError struct {
	TaskID string
	Reason string
}

func (e *ReviewError) Error() string {
	return fmt.Sprintf("review of %s failed: %s", e.TaskID, e.Reason)
}

// verdictPattern matches a verdict on its own line. Markdown decoration
// around the token ("**PASSED**", "`FAILED: x`", "> PASSED") is tolerated.
var verdictPattern = regexp.MustCompile(
	"^[\\s>*_`#-]*(PASSED_WITH_NOTES|PASSED|FAILED)\\b[*_`]*[.!]?\\s*(?::\\s*(.*))?$")

// ParseVerdict scans reviewer output for a verdict token. The last one wins,
// so a reviewer quoting the instructions early on does not count. ok is
// false when no token was found.
func ParseVerdict(output string) (v Verdict, ok bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := verdictPattern.FindStringSubmatch(strings.TrimRight(lines[i], " \t\r"))
		if m == nil {
			continue
		}
		detail := strings.TrimSpace(strings.TrimRight(m[2], "*_` "))
		switch m[1] {
		case "PASSED_WITH_NOTES":
			return Verdict{Outcome: OutcomePassedWithNotes, Notes: detail}, true
		case "FAILED":
			if detail == "" {
				detail = "no reason given"
			}
			return Verdict{Outcome: OutcomeFailed, Reason: detail}, true
		default:
			return Verdict{Outcome: OutcomePassed}, true
		}
	}
	return Verdict{}, false
}
