package model

// BatchSnapshot is the live view of a running batch, kept in Redis and
// pushed over the websocket stream.
type BatchSnapshot struct {
	BatchID       string                   `json:"batch_id"`
	Status        string                   `json:"status"`
	TotalStudents int                      `json:"total_students"`
	DoneStudents  int                      `json:"done_students"`
	Students      map[string]StudentStatus `json:"students,omitempty"`
	UpdatedAt     int64                    `json:"updated_at"`
}

// StudentStatus is the live view of one submission inside a batch.
type StudentStatus struct {
	Status     string `json:"status"`
	TotalSteps int    `json:"total_steps"`
	DoneSteps  int    `json:"done_steps"`
	ReceivedAt int64  `json:"received_at"`
}
