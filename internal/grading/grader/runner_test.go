package grader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gradebox/internal/grading/plan"
	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
)

func TestMapStepOutcome(t *testing.T) {
	limits := spec.ResourceLimit{CPUTimeMs: 10000, MemoryMB: 64, OutputMB: 1}
	tests := []struct {
		name string
		res  result.RunResult
		want result.StepOutcome
	}{
		{"ok", result.RunResult{ExitCode: 0}, result.OutcomeOK},
		{"wall timeout", result.RunResult{ExitCode: -1, TimedOut: true}, result.OutcomeTLE},
		{"cpu exhausted", result.RunResult{ExitCode: -1, TimeMs: 10000}, result.OutcomeTLE},
		// A segfault is killed by a signal and also reports ExitCode -1.
		{"signal death", result.RunResult{ExitCode: -1}, result.OutcomeRE},
		{"oom killed", result.RunResult{ExitCode: 137, OomKilled: true}, result.OutcomeMLE},
		{"over memory", result.RunResult{ExitCode: 0, MemoryKB: 65 * 1024}, result.OutcomeMLE},
		{"over output", result.RunResult{ExitCode: 0, OutputKB: 2 * 1024}, result.OutcomeOLE},
		{"nonzero exit", result.RunResult{ExitCode: 2}, result.OutcomeRE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapStepOutcome(tt.res, limits); got != tt.want {
				t.Fatalf("outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyStepLimits(t *testing.T) {
	limits := spec.ResourceLimit{CPUTimeMs: 60000, MemoryMB: 256}
	step := plan.Step{Timeout: 10 * time.Second}

	got := applyStepLimits(limits, step)
	if got.CPUTimeMs != 10000 {
		t.Fatalf("cpu = %d, want 10000", got.CPUTimeMs)
	}
	if got.WallTimeMs != 11000 {
		t.Fatalf("wall = %d, want 11000", got.WallTimeMs)
	}
	if got.MemoryMB != 256 {
		t.Fatalf("memory changed: %d", got.MemoryMB)
	}

	// A tighter profile limit is kept.
	tight := applyStepLimits(spec.ResourceLimit{CPUTimeMs: 5000}, step)
	if tight.CPUTimeMs != 5000 {
		t.Fatalf("cpu = %d, want 5000", tight.CPUTimeMs)
	}
}

func TestRunStepMissingCommand(t *testing.T) {
	runDir := t.TempDir()
	r := NewRunner(nil)

	res, err := r.RunStep(context.Background(), StepRequest{
		StudentID: "jsmith",
		Step:      plan.Step{ID: "step-1", Argv: []string{"./prog"}},
		RunDir:    runDir,
		Profile:   "run",
	})
	if err != nil {
		t.Fatalf("missing command should not error: %v", err)
	}
	if res.Outcome != result.OutcomeNF {
		t.Fatalf("outcome = %s, want NF", res.Outcome)
	}
	if res.Stdout != "File not found: ./prog\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestCommandExists(t *testing.T) {
	runDir := t.TempDir()
	prog := filepath.Join(runDir, "prog")
	if err := os.WriteFile(prog, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !commandExists("./prog", runDir) {
		t.Errorf("./prog should resolve in run dir")
	}
	if commandExists("./missing", runDir) {
		t.Errorf("./missing should not resolve")
	}
	if !commandExists("sh", runDir) {
		t.Errorf("sh should resolve on PATH")
	}
	if commandExists("definitely-not-a-real-binary-xyz", runDir) {
		t.Errorf("bogus binary should not resolve")
	}
}
