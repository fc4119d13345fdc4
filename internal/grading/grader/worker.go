package grader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"gradebox/internal/grading/intake"
	"gradebox/internal/grading/plan"
	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
	appErr "gradebox/pkg/errors"
)

// GradeRequest carries everything needed to grade one submission.
type GradeRequest struct {
	BatchID    string
	Submission *intake.Submission
	WorkRoot   string
	PlanPath   string
	ResDir     string
	Profile    string
	Limits     spec.ResourceLimit
	Timeout    time.Duration
	ReceivedAt int64
}

// StatusUpdate is pushed after every completed step.
type StatusUpdate struct {
	BatchID    string
	StudentID  string
	Status     result.BatchStatus
	TotalSteps int
	DoneSteps  int
	ReceivedAt int64
}

// StatusReporter receives intermediate progress updates.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}

// Worker is the grading unit for one submission at a time.
// It stages the run dir, executes every plan step, and collects results.
type Worker struct {
	runner         Runner
	statusReporter StatusReporter
}

// NewWorker creates a worker with the given step runner.
func NewWorker(runner Runner) *Worker {
	return &Worker{runner: runner}
}

// SetStatusReporter injects a reporter for intermediate updates.
func (w *Worker) SetStatusReporter(reporter StatusReporter) {
	w.statusReporter = reporter
}

// Execute grades one submission. A failing step does not stop the plan;
// every step's output is captured for the report.
func (w *Worker) Execute(ctx context.Context, req GradeRequest) (result.GradeResult, error) {
	if err := validateGradeRequest(req); err != nil {
		return result.GradeResult{}, err
	}
	if w.runner == nil {
		return result.GradeResult{}, appErr.New(appErr.GradingSystemError).WithMessage("worker runner is not initialized")
	}

	receivedAt := req.ReceivedAt
	if receivedAt == 0 {
		receivedAt = time.Now().Unix()
	}
	gradeRes := result.GradeResult{
		BatchID:   req.BatchID,
		StudentID: req.Submission.StudentID,
		Status:    result.StatusRunning,
		Timestamps: result.Timestamps{
			ReceivedAt: receivedAt,
		},
	}

	runDir := filepath.Join(req.WorkRoot, req.Submission.StudentID, "run")
	if err := os.MkdirAll(runDir, 0750); err != nil {
		gradeRes.Status = result.StatusFailed
		return gradeRes, appErr.Wrapf(err, appErr.WorkspaceError, "create run dir: %v", err)
	}
	defer func() {
		_ = os.RemoveAll(filepath.Join(req.WorkRoot, req.Submission.StudentID))
	}()

	if err := w.stageRunDir(req, runDir); err != nil {
		gradeRes.Status = result.StatusFailed
		return gradeRes, err
	}

	// The plan is parsed per student because wildcard expansion depends on
	// what this submission staged into the run dir.
	planFile, err := os.Open(req.PlanPath)
	if err != nil {
		gradeRes.Status = result.StatusFailed
		return gradeRes, appErr.Wrapf(err, appErr.PlanNotFound, "open plan: %v", err)
	}
	p, parseErr := plan.Parse(planFile, runDir, req.Timeout)
	_ = planFile.Close()
	if parseErr != nil {
		gradeRes.Status = result.StatusFailed
		return gradeRes, parseErr
	}

	totalSteps := len(p.Steps)
	w.reportStatus(ctx, &gradeRes, totalSteps, 0)

	for i, step := range p.Steps {
		stepReq := StepRequest{
			BatchID:   req.BatchID,
			StudentID: req.Submission.StudentID,
			Step:      step,
			RunDir:    runDir,
			Profile:   req.Profile,
			Limits:    req.Limits,
		}
		stepRes, stepErr := w.runner.RunStep(ctx, stepReq)
		gradeRes.Steps = append(gradeRes.Steps, stepRes)
		if stepErr != nil && stepRes.Outcome != result.OutcomeSE {
			gradeRes.Status = result.StatusFailed
			gradeRes.Summarize()
			return gradeRes, stepErr
		}
		w.reportStatus(ctx, &gradeRes, totalSteps, i+1)
	}

	gradeRes.Summarize()
	gradeRes.Status = result.StatusFinished
	gradeRes.Timestamps.FinishedAt = time.Now().Unix()
	return gradeRes, nil
}

// stageRunDir copies the submission's run files and the assignment's
// resource files into the run dir.
func (w *Worker) stageRunDir(req GradeRequest, runDir string) error {
	for _, name := range req.Submission.RunFiles {
		src := filepath.Join(req.Submission.Dir, name)
		if err := copyFile(src, filepath.Join(runDir, name)); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceError, "stage run file %s: %v", name, err)
		}
	}
	if req.ResDir == "" {
		return nil
	}
	entries, err := os.ReadDir(req.ResDir)
	if err != nil {
		return appErr.Wrapf(err, appErr.ResourcePackInvalid, "read resource dir: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(req.ResDir, entry.Name())
		if err := copyFile(src, filepath.Join(runDir, entry.Name())); err != nil {
			return appErr.Wrapf(err, appErr.ResourcePackInvalid, "stage resource %s: %v", entry.Name(), err)
		}
	}
	return nil
}

func (w *Worker) reportStatus(ctx context.Context, res *result.GradeResult, totalSteps, doneSteps int) {
	if w.statusReporter == nil {
		return
	}
	_ = w.statusReporter.ReportStatus(ctx, StatusUpdate{
		BatchID:    res.BatchID,
		StudentID:  res.StudentID,
		Status:     res.Status,
		TotalSteps: totalSteps,
		DoneSteps:  doneSteps,
		ReceivedAt: res.Timestamps.ReceivedAt,
	})
}

func validateGradeRequest(req GradeRequest) error {
	if req.BatchID == "" {
		return appErr.ValidationError("batch_id", "required")
	}
	if req.Submission == nil || req.Submission.StudentID == "" {
		return appErr.ValidationError("submission", "required")
	}
	if req.WorkRoot == "" {
		return appErr.ValidationError("work_root", "required")
	}
	if req.PlanPath == "" {
		return appErr.ValidationError("plan_path", "required")
	}
	if req.Profile == "" {
		return appErr.ValidationError("profile", "required")
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
