package model

import "time"

// SyncCursor is the persisted checkpoint of one upstream source. Cursor is
// opaque; an empty cursor means "start from the beginning".
type SyncCursor struct {
	Source    string    `json:"source"`
	Cursor    string    `json:"cursor"`
	RunID     string    `json:"run_id,omitempty"`
	Pages     int       `json:"pages"`
	Errors    int       `json:"errors"`
	Gaps      int       `json:"gaps"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Gap marks a cursor position whose records could not be read even one at a
// time. Skipped is how many records the cursor was advanced past.
type Gap struct {
	ID        int64     `json:"id,omitempty"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id"`
	Position  string    `json:"position"`
	Reason    string    `json:"reason"`
	Skipped   int       `json:"skipped"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus is the terminal state of a bulk run.
type RunStatus string

const (
	RunRunning       RunStatus = "running"
	RunComplete      RunStatus = "complete"
	RunCircuitBroken RunStatus = "circuit_broken"
	RunCancelled     RunStatus = "cancelled"
	RunFailed        RunStatus = "failed"
	RunAbandoned     RunStatus = "abandoned"
)

// Resumable reports whether a later run can pick up from the final cursor.
// Only a complete run has walked the whole listing.
func (s RunStatus) Resumable() bool {
	return s == RunCircuitBroken || s == RunCancelled || s == RunFailed || s == RunAbandoned
}

// RunReport carries the exact counts of one bulk extraction run.
type RunReport struct {
	RunID         string       `json:"run_id"`
	Source        string       `json:"source"`
	Status        RunStatus    `json:"status"`
	HaltReason    string       `json:"halt_reason,omitempty"`
	StartCursor   string       `json:"start_cursor"`
	FinalCursor   string       `json:"final_cursor"`
	Pages         int          `json:"pages"`
	Fetched       int          `json:"fetched"`
	Committed     int          `json:"committed"`
	Skipped       int          `json:"skipped"`
	Gapped        int          `json:"gapped"`
	Errored       int          `json:"errored"`
	RateLimited   int          `json:"rate_limited"`
	Gaps          []Gap        `json:"gaps,omitempty"`
	ChangedFields []Field      `json:"changed_fields,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Dedup         *DedupReport `json:"dedup,omitempty"`
}

// SyncRun is one row of the run log.
type SyncRun struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Status     RunStatus  `json:"status"`
	Report     *RunReport `json:"report,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DedupReport summarizes one secondary email-group pass.
type DedupReport struct {
	Groups     int `json:"groups"`
	Collapsed  int `json:"collapsed"`
	Deleted    int `json:"deleted"`
	Conflicted int `json:"conflicted"`
	Untouched  int `json:"untouched"`
}
