package engine

import (
	"context"

	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	KillStudent(ctx context.Context, studentID string) error
}
