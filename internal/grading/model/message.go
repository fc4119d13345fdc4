package model

// GradeJob is the Kafka payload that starts one batch.
type GradeJob struct {
	BatchID      string `json:"batch_id"`
	AssignmentID string `json:"assignment_id"`
	Version      int32  `json:"version"`
	Assignment   string `json:"assignment"`
	Grader       string `json:"grader"`
	ArchiveKey   string `json:"archive_key"`
	PackKey      string `json:"pack_key"`
	PackHash     string `json:"pack_hash,omitempty"`

	// Optional per-batch overrides of the run profile's limits.
	Limits *LimitOverrides `json:"limits,omitempty"`
}

// LimitOverrides carries optional resource limit overrides for a batch.
// Zero fields keep the profile defaults.
type LimitOverrides struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	OutputMB  int64 `json:"output_mb,omitempty"`
	PIDs      int64 `json:"pids,omitempty"`
}

// AssignmentMeta identifies one version of an assignment's resource pack.
type AssignmentMeta struct {
	AssignmentID string `json:"assignment_id"`
	Version      int32  `json:"version"`
	PackKey      string `json:"pack_key"`
	PackHash     string `json:"pack_hash,omitempty"`
}
