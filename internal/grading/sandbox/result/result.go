// Package result defines sandbox execution results and outcome mapping.
package result

// BatchStatus represents the lifecycle state of a grading batch or
// one student submission inside it.
type BatchStatus string

const (
	StatusPending  BatchStatus = "Pending"
	StatusRunning  BatchStatus = "Running"
	StatusFinished BatchStatus = "Finished"
	StatusFailed   BatchStatus = "Failed"
)

// StepOutcome represents the outcome of a single grading step.
type StepOutcome string

const (
	OutcomeOK  StepOutcome = "OK"  // step exited zero
	OutcomeRE  StepOutcome = "RE"  // non-zero exit or signal
	OutcomeTLE StepOutcome = "TLE" // wall or cpu time limit exceeded
	OutcomeMLE StepOutcome = "MLE" // memory limit exceeded (oom killed)
	OutcomeOLE StepOutcome = "OLE" // output limit exceeded
	OutcomeNF  StepOutcome = "NF"  // command or run file not found
	OutcomeSE  StepOutcome = "SE"  // sandbox or system error
)

// RunResult captures raw sandbox execution data for one step.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
	// TimedOut is set by the engine watchdog when the wall clock limit
	// killed the process. Signal deaths also report ExitCode -1, so the
	// exit code alone cannot distinguish a timeout from a crash.
	TimedOut bool
}

// StepResult contains per-step grading outcomes.
type StepResult struct {
	StepID     string
	Command    string
	Outcome    StepOutcome
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	Error      string
}

// SummaryStat captures aggregate statistics across steps.
type SummaryStat struct {
	TotalTimeMs  int64
	MaxMemoryKB  int64
	FailedSteps  int
	FirstFailure string
}

// Timestamps captures submission lifecycle timestamps.
type Timestamps struct {
	ReceivedAt int64
	FinishedAt int64
}

// GradeResult is the unified response structure for one student submission.
type GradeResult struct {
	BatchID    string
	StudentID  string
	Status     BatchStatus
	Steps      []StepResult
	Summary    SummaryStat
	Timestamps Timestamps
}

// Failed reports whether any step ended with a non-OK outcome.
func (g *GradeResult) Failed() bool {
	return g.Summary.FailedSteps > 0
}

// Summarize recomputes Summary from Steps.
func (g *GradeResult) Summarize() {
	var summary SummaryStat
	for _, step := range g.Steps {
		summary.TotalTimeMs += step.TimeMs
		if step.MemoryKB > summary.MaxMemoryKB {
			summary.MaxMemoryKB = step.MemoryKB
		}
		if step.Outcome != OutcomeOK {
			summary.FailedSteps++
			if summary.FirstFailure == "" {
				summary.FirstFailure = step.StepID
			}
		}
	}
	g.Summary = summary
}
