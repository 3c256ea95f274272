// Package phase defines the collaborator contract for the three pipeline
// stages. The orchestrator only sees RunPhase; what a phase actually does
// (invoking a model, calling tools) lives behind this interface.
package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/taskpipe/internal/persistence"
)

// Phase is one sequential stage of task execution.
type Phase string

const (
	Research       Phase = "research"
	Planning       Phase = "planning"
	Implementation Phase = "implementation"
)

// Sequence returns the phases to run in order. Research-only sessions
// short-circuit after research.
func Sequence(researchOnly bool) []Phase {
	if researchOnly {
		return []Phase{Research}
	}
	return []Phase{Research, Planning, Implementation}
}

// Settings are the connection-level knobs passed to every phase run.
type Settings struct {
	Model         string
	ExpertEnabled bool
	ResearchOnly  bool
	HIL           bool
}

// Input is everything a phase run receives: the task, the previous
// phase's accumulated result, and a store handle for the memory surface.
type Input struct {
	ThreadID string
	TaskID   string
	Content  string
	Previous any
	Store    *persistence.Store
}

// Runner executes one phase. Implementations may block on external work;
// the orchestrator runs them on the session's pipeline goroutine and
// honors ctx cancellation only at phase boundaries.
type Runner interface {
	RunPhase(ctx context.Context, p Phase, input Input, settings Settings) (any, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, p Phase, input Input, settings Settings) (any, error)

func (f RunnerFunc) RunPhase(ctx context.Context, p Phase, input Input, settings Settings) (any, error) {
	return f(ctx, p, input, settings)
}

// EchoRunner is the default deterministic runner: it produces a
// structured placeholder result describing what it was asked to do.
// Useful for development and as the baseline the test suite drives.
type EchoRunner struct {
	// Delay, when non-zero, simulates slow phase work.
	Delay time.Duration
}

func (e *EchoRunner) RunPhase(ctx context.Context, p Phase, input Input, settings Settings) (any, error) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	return map[string]any{
		"phase":   string(p),
		"task_id": input.TaskID,
		"model":   settings.Model,
		"summary": fmt.Sprintf("%s result for: %s", p, input.Content),
	}, nil
}
