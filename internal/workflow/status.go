package workflow

// StageStatus is the runtime status of one stage.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusActive    StageStatus = "active"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Done reports whether s satisfies a dependency (completed or skipped).
func (s StageStatus) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Terminal reports whether no further transition is expected without a retry.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}
