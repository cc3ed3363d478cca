// Package runner abstracts the isolated execution environment for tasks.
package runner

import (
	"context"

	"github.com/candorlabs/foreman/internal/task"
)

// Handle identifies a started container for the lifetime of one execution.
type Handle string

type StreamName string

const (
	Stdout StreamName = "stdout"
	Stderr StreamName = "stderr"
)

// Chunk is one piece of container output. The stream a Runner returns is
// finite and ends when the process exits.
type Chunk struct {
	Stream StreamName `json:"stream"`
	Data   string     `json:"data"`
}

type Signal string

const (
	SignalTerminate Signal = "terminate"
	SignalPause     Signal = "pause"
	SignalResume    Signal = "resume"
)

// Runner launches plan steps in an isolated environment. Stream may be called
// more than once per handle; each call observes output from that point on.
type Runner interface {
	Start(ctx context.Context, taskID string, plan []task.PlanStep) (Handle, error)
	Stream(ctx context.Context, h Handle) (<-chan Chunk, error)
	Signal(ctx context.Context, h Handle, sig Signal) error
	Wait(ctx context.Context, h Handle) (int, error)
}
