package domain

import "time"

// RunState is a state of the collector state machine.
type RunState string

const (
	RunStateStarting       RunState = "starting"
	RunStateAuthenticating RunState = "authenticating"
	RunStateListingPlants  RunState = "listing_plants"
	RunStateProcessing     RunState = "processing"
	RunStateDone           RunState = "done"
	RunStateFailed         RunState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateFailed
}

// RunStats summarises one collector run.
type RunStats struct {
	RunID          string    `json:"run_id"`
	State          RunState  `json:"state"`
	TotalPlants    int       `json:"total_plants"`
	SkippedPlants  int       `json:"skipped_plants"`
	ProcessedItems int       `json:"processed"`
	SucceededItems int       `json:"succeeded"`
	FailedItems    int       `json:"failed"`
	Cursor         string    `json:"cursor,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}
