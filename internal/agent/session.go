package agent

import "time"

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Session is the one-per-project agent session record. It is persisted so a
// freshly resumed instance can still answer "is something running".
type Session struct {
	ID        string    `json:"sessionId"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
