package model

// Status is the normalized state carried by every progress event.
type Status string

const (
	StatusProgress    Status = "progress"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
	StatusInfo        Status = "info"
	StatusRollingBack Status = "rolling_back"
	StatusCancelling  Status = "cancelling"
	StatusStart       Status = "start"
)

// Terminal reports whether s ends the event sequence of a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress is one event published for a running task. Optional fields are
// pointers, absent ones are omitted from the JSON form. Values are passed
// through from the worker as-is, so current > total is possible.
type Progress struct {
	Status     Status   `json:"status"`
	Message    string   `json:"message"`
	Current    *int64   `json:"current,omitempty"`
	Total      *int64   `json:"total,omitempty"`
	Percentage *int     `json:"percentage,omitempty"`
	ElapsedSec *int64   `json:"elapsed_sec,omitempty"`
	EtaSec     *int64   `json:"eta_sec,omitempty"`
	Rate       *float64 `json:"rate,omitempty"` // indexing only
	RolledBack *int64   `json:"rolled_back,omitempty"`
}

// Ptr returns a pointer to v, handy for filling optional Progress fields.
func Ptr[T any](v T) *T {
	return &v
}
