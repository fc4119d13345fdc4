// Package grader runs one student's submission through the command plan.
package grader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gradebox/internal/grading/plan"
	"gradebox/internal/grading/sandbox/engine"
	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
	appErr "gradebox/pkg/errors"
)

// StepRequest describes one plan step to execute for a submission.
type StepRequest struct {
	BatchID   string
	StudentID string
	Step      plan.Step
	RunDir    string
	Profile   string
	Limits    spec.ResourceLimit
}

// Runner executes a single plan step and maps the raw run data to an outcome.
type Runner interface {
	RunStep(ctx context.Context, req StepRequest) (result.StepResult, error)
}

// SandboxRunner implements Runner on top of the sandbox engine.
type SandboxRunner struct {
	eng engine.Engine
}

// NewRunner creates a runner backed by the sandbox engine.
func NewRunner(eng engine.Engine) *SandboxRunner {
	return &SandboxRunner{eng: eng}
}

func (r *SandboxRunner) RunStep(ctx context.Context, req StepRequest) (result.StepResult, error) {
	if err := validateStepRequest(req); err != nil {
		return result.StepResult{}, err
	}

	stepRes := result.StepResult{
		StepID:  req.Step.ID,
		Command: strings.Join(req.Step.Argv, " "),
	}

	// Missing commands are a grading finding, not a sandbox failure. The
	// report records them the same way a shell would complain.
	if !commandExists(req.Step.Argv[0], req.RunDir) {
		stepRes.Outcome = result.OutcomeNF
		stepRes.ExitCode = -1
		stepRes.Stdout = fmt.Sprintf("File not found: %s\n", req.Step.Argv[0])
		return stepRes, nil
	}

	limits := applyStepLimits(req.Limits, req.Step)
	stdoutPath := filepath.Join(req.RunDir, req.Step.ID+".stdout")
	stderrPath := filepath.Join(req.RunDir, req.Step.ID+".stderr")

	runSpec := spec.RunSpec{
		StudentID:  req.StudentID,
		StepID:     req.Step.ID,
		WorkDir:    req.RunDir,
		Cmd:        req.Step.Argv,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Profile:    req.Profile,
		Limits:     limits,
	}

	runRes, runErr := r.eng.Run(ctx, runSpec)
	if runErr != nil {
		stepRes.Outcome = result.OutcomeSE
		stepRes.ExitCode = -1
		stepRes.Error = runErr.Error()
		return stepRes, appErr.Wrapf(runErr, appErr.SandboxError, "run step %s: %v", req.Step.ID, runErr)
	}

	stepRes.Outcome = mapStepOutcome(runRes, limits)
	stepRes.ExitCode = runRes.ExitCode
	stepRes.TimeMs = runRes.TimeMs
	stepRes.WallTimeMs = runRes.WallTimeMs
	stepRes.MemoryKB = runRes.MemoryKB
	stepRes.OutputKB = runRes.OutputKB
	stepRes.Stdout = runRes.Stdout
	stepRes.Stderr = runRes.Stderr
	return stepRes, nil
}

func validateStepRequest(req StepRequest) error {
	if req.StudentID == "" {
		return appErr.ValidationError("student_id", "required")
	}
	if req.RunDir == "" {
		return appErr.ValidationError("run_dir", "required")
	}
	if len(req.Step.Argv) == 0 {
		return appErr.ValidationError("step", "empty")
	}
	if req.Profile == "" {
		return appErr.ValidationError("profile", "required")
	}
	return nil
}

// applyStepLimits folds the step timeout into the resource limits. The
// wall clock gets a small grace over the cpu limit so cpu exhaustion is
// attributed correctly.
func applyStepLimits(limits spec.ResourceLimit, step plan.Step) spec.ResourceLimit {
	if step.Timeout > 0 {
		ms := step.Timeout.Milliseconds()
		if limits.CPUTimeMs == 0 || limits.CPUTimeMs > ms {
			limits.CPUTimeMs = ms
		}
		limits.WallTimeMs = ms + 1000
	}
	return limits
}

// mapStepOutcome classifies a raw run. TLE is keyed on the watchdog flag
// and the cpu clock, never on the exit code: a signal-killed crash also
// reports ExitCode -1 and must land in RE.
func mapStepOutcome(res result.RunResult, limits spec.ResourceLimit) result.StepOutcome {
	if res.TimedOut {
		return result.OutcomeTLE
	}
	if limits.CPUTimeMs > 0 && res.TimeMs >= limits.CPUTimeMs {
		return result.OutcomeTLE
	}
	if res.OomKilled {
		return result.OutcomeMLE
	}
	if limits.MemoryMB > 0 && res.MemoryKB > limits.MemoryMB*1024 {
		return result.OutcomeMLE
	}
	if limits.OutputMB > 0 && res.OutputKB > limits.OutputMB*1024 {
		return result.OutcomeOLE
	}
	if res.ExitCode != 0 {
		return result.OutcomeRE
	}
	return result.OutcomeOK
}

func commandExists(name, runDir string) bool {
	if strings.Contains(name, string(os.PathSeparator)) {
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(runDir, path)
		}
		info, err := os.Stat(path)
		return err == nil && !info.IsDir()
	}
	_, err := exec.LookPath(name)
	return err == nil
}
