package progress

import "time"

// Event is one progress update of a job. Terminal events (completed,
// error, cancelled) always reach subscribers regardless of throttling.
type Event struct {
	JobID     string    `json:"job_id"`
	Phase     string    `json:"phase"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Terminal  bool      `json:"-"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// IsError reports whether the event is a terminal failure.
func (e Event) IsError() bool { return e.Terminal && e.ErrorCode != "" }
