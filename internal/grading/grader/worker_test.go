package grader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gradebox/internal/grading/grader"
	"gradebox/internal/grading/intake"
	"gradebox/internal/grading/sandbox/result"
	appErr "gradebox/pkg/errors"
)

type fakeRunner struct {
	results map[string]result.StepResult
	reqs    []grader.StepRequest

	// probeFile, when set, is stat'd in the run dir on every step so tests
	// can assert staging happened before execution.
	probeFile string
	probeSeen bool
}

func (f *fakeRunner) RunStep(ctx context.Context, req grader.StepRequest) (result.StepResult, error) {
	f.reqs = append(f.reqs, req)
	if f.probeFile != "" {
		if _, err := os.Stat(filepath.Join(req.RunDir, f.probeFile)); err == nil {
			f.probeSeen = true
		}
	}
	if res, ok := f.results[req.Step.ID]; ok {
		res.StepID = req.Step.ID
		return res, nil
	}
	return result.StepResult{StepID: req.Step.ID, Outcome: result.OutcomeOK}, nil
}

type recordingReporter struct {
	updates []grader.StatusUpdate
}

func (r *recordingReporter) ReportStatus(ctx context.Context, update grader.StatusUpdate) error {
	r.updates = append(r.updates, update)
	return nil
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func setupSubmission(t *testing.T) (*intake.Submission, string, string) {
	t.Helper()
	root := t.TempDir()

	subDir := filepath.Join(root, "sub")
	if err := os.MkdirAll(subDir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFiles(t, subDir, map[string]string{
		"main.c":   "int main(void){return 0;}\n",
		"notes.md": "not staged\n",
	})

	planPath := filepath.Join(root, "commands.txt")
	writeFiles(t, root, map[string]string{
		"commands.txt": "make\n./prog\n",
	})

	sub := &intake.Submission{
		StudentID: "jsmith",
		Dir:       subDir,
		Files:     []string{"main.c", "notes.md"},
		RunFiles:  []string{"main.c"},
	}
	return sub, filepath.Join(root, "work"), planPath
}

func TestWorkerExecuteRunsAllSteps(t *testing.T) {
	sub, workRoot, planPath := setupSubmission(t)
	runner := &fakeRunner{}
	reporter := &recordingReporter{}
	worker := grader.NewWorker(runner)
	worker.SetStatusReporter(reporter)

	res, err := worker.Execute(context.Background(), grader.GradeRequest{
		BatchID:    "batch-1",
		Submission: sub,
		WorkRoot:   workRoot,
		PlanPath:   planPath,
		Profile:    "run",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != result.StatusFinished {
		t.Fatalf("status = %s, want Finished", res.Status)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(res.Steps))
	}
	if res.Failed() {
		t.Fatalf("unexpected failure: %+v", res.Summary)
	}

	// Only run files are staged into the run dir.
	runDir := runner.reqs[0].RunDir
	if _, err := os.Stat(filepath.Join(runDir, "main.c")); err != nil {
		t.Fatalf("main.c not staged: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "notes.md")); !os.IsNotExist(err) {
		t.Fatalf("notes.md staged but should not be")
	}

	// Initial update plus one per completed step.
	if len(reporter.updates) != 3 {
		t.Fatalf("got %d status updates, want 3", len(reporter.updates))
	}
	last := reporter.updates[len(reporter.updates)-1]
	if last.DoneSteps != 2 || last.TotalSteps != 2 {
		t.Fatalf("final update = %d/%d, want 2/2", last.DoneSteps, last.TotalSteps)
	}
}

func TestWorkerExecuteContinuesPastFailingStep(t *testing.T) {
	sub, workRoot, planPath := setupSubmission(t)
	runner := &fakeRunner{
		results: map[string]result.StepResult{
			"step-1": {Outcome: result.OutcomeRE, ExitCode: 2, Stderr: "make: *** error\n"},
		},
	}
	worker := grader.NewWorker(runner)

	res, err := worker.Execute(context.Background(), grader.GradeRequest{
		BatchID:    "batch-1",
		Submission: sub,
		WorkRoot:   workRoot,
		PlanPath:   planPath,
		Profile:    "run",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(runner.reqs) != 2 {
		t.Fatalf("failing step stopped the plan: ran %d steps", len(runner.reqs))
	}
	if res.Status != result.StatusFinished {
		t.Fatalf("status = %s, want Finished", res.Status)
	}
	if !res.Failed() || res.Summary.FailedSteps != 1 || res.Summary.FirstFailure != "step-1" {
		t.Fatalf("summary = %+v", res.Summary)
	}
}

func TestWorkerExecuteStagesResources(t *testing.T) {
	sub, workRoot, planPath := setupSubmission(t)
	resDir := t.TempDir()
	writeFiles(t, resDir, map[string]string{"input.txt": "42\n"})

	runner := &fakeRunner{probeFile: "input.txt"}
	worker := grader.NewWorker(runner)

	_, err := worker.Execute(context.Background(), grader.GradeRequest{
		BatchID:    "batch-1",
		Submission: sub,
		WorkRoot:   workRoot,
		PlanPath:   planPath,
		ResDir:     resDir,
		Profile:    "run",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(runner.reqs) == 0 {
		t.Fatalf("no steps ran")
	}
	if !runner.probeSeen {
		t.Fatalf("resource file was not staged into the run dir")
	}
}

func TestWorkerExecuteMissingPlan(t *testing.T) {
	sub, workRoot, _ := setupSubmission(t)
	worker := grader.NewWorker(&fakeRunner{})

	res, err := worker.Execute(context.Background(), grader.GradeRequest{
		BatchID:    "batch-1",
		Submission: sub,
		WorkRoot:   workRoot,
		PlanPath:   filepath.Join(workRoot, "missing.txt"),
		Profile:    "run",
	})
	if !appErr.Is(err, appErr.PlanNotFound) {
		t.Fatalf("expected PlanNotFound, got %v", err)
	}
	if res.Status != result.StatusFailed {
		t.Fatalf("status = %s, want Failed", res.Status)
	}
}

func TestWorkerExecuteValidates(t *testing.T) {
	worker := grader.NewWorker(&fakeRunner{})
	_, err := worker.Execute(context.Background(), grader.GradeRequest{})
	if !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}
