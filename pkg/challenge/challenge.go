// Package challenge bridges the claim state machines to whatever solves the
// storefront's human-verification challenges. Every attempt ends in exactly
// one Outcome.
package challenge

import (
	"context"
	"fmt"
	"strings"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Outcome is the result of one solving attempt.
type Outcome int

const (
	// Success: the challenge was accepted.
	Success Outcome = iota
	// Retry: the attempt failed but another may pass; resubmit the trigger.
	Retry
	// Backcall: this challenge type cannot be solved; dismiss it and
	// resubmit the trigger to get a different one.
	Backcall
	// Crash: the solver itself broke. Callers escalate.
	Crash
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Backcall:
		return "backcall"
	case Crash:
		return "crash"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome maps the textual form back to an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return Success, nil
	case "retry":
		return Retry, nil
	case "backcall":
		return Backcall, nil
	case "crash":
		return Crash, nil
	default:
		return Crash, fmt.Errorf("unknown challenge outcome %q", s)
	}
}

// Context names the flow a challenge interrupted.
type Context string

const (
	Login    Context = "login"
	Purchase Context = "purchase"
)

// Bridge performs one solving attempt for the challenge currently shown.
type Bridge interface {
	Resolve(ctx context.Context, c Context) Outcome
}

// BridgeFunc adapts a function to Bridge.
type BridgeFunc func(ctx context.Context, c Context) Outcome

func (f BridgeFunc) Resolve(ctx context.Context, c Context) Outcome {
	return f(ctx, c)
}
