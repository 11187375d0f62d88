package resilience

import (
	"errors"
	"time"

	"github.com/sells-group/crm-sync/internal/model"
)

// DLQEntry is a webhook event that failed processing and waits for replay.
type DLQEntry struct {
	ID           string      `json:"id"`
	Event        model.Event `json:"event"`
	BatchID      string      `json:"batch_id,omitempty"`
	Error        string      `json:"error"`
	ErrorType    string      `json:"error_type"` // "transient" or "permanent"
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	NextRetryAt  time.Time   `json:"next_retry_at"`
	CreatedAt    time.Time   `json:"created_at"`
	LastFailedAt time.Time   `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	ObjectID  string `json:"object_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds an entry for a failed event, due for its first replay
// after the initial backoff.
func NewDLQEntry(ev model.Event, batchID string, err error, maxRetries int, now time.Time) DLQEntry {
	return DLQEntry{
		Event:        ev,
		BatchID:      batchID,
		Error:        err.Error(),
		ErrorType:    ClassifyError(err),
		MaxRetries:   maxRetries,
		NextRetryAt:  now.Add(ReplayBackoff(0)),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ReplayBackoff is the wait before replay number retryCount+1: one minute,
// doubling, capped at six hours.
func ReplayBackoff(retryCount int) time.Duration {
	d := time.Minute << min(retryCount, 9)
	return min(d, 6*time.Hour)
}

// ClassifyError categorizes an error as "transient" or "permanent".
// Rate limits and an open breaker count as transient here: the event itself
// is fine. A nil error is "none".
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if _, ok := IsRateLimited(err); ok || IsTransient(err) || errors.Is(err, ErrCircuitOpen) {
		return "transient"
	}
	return "permanent"
}
