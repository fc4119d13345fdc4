package model

import "time"

// Batch is the persistent record of one grading batch.
type Batch struct {
	ID           string     `json:"id"`
	AssignmentID string     `json:"assignment_id"`
	Version      int32      `json:"version"`
	Assignment   string     `json:"assignment"`
	Grader       string     `json:"grader"`
	ArchiveKey   string     `json:"archive_key"`
	BundleKey    string     `json:"bundle_key"`
	Status       string     `json:"status"`
	StudentCount int        `json:"student_count"`
	FailedCount  int        `json:"failed_count"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// StudentResult is the persistent record of one graded submission.
type StudentResult struct {
	BatchID     string    `json:"batch_id"`
	StudentID   string    `json:"student_id"`
	Status      string    `json:"status"`
	FailedSteps int       `json:"failed_steps"`
	TotalTimeMs int64     `json:"total_time_ms"`
	MaxMemoryKB int64     `json:"max_memory_kb"`
	Report      string    `json:"report,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
