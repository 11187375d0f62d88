package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

// ErrRunInProgress is returned by StartRun when the source already has a
// running sync.
var ErrRunInProgress = eris.New("store: sync run already in progress")

// Store defines the persistence interface for contacts, sync state,
// segments and the webhook dead letter queue.
type Store interface {
	// Contacts
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	GetByExternalID(ctx context.Context, channel model.Channel, externalID string) (*model.Contact, error)
	GetByExternalIDs(ctx context.Context, channel model.Channel, externalIDs []string) (map[string]*model.Contact, error)
	FindActiveByEmail(ctx context.Context, email string) (*model.Contact, error)
	FindActiveByPhone(ctx context.Context, phone string) (*model.Contact, error)
	ListByEmailKey(ctx context.Context, key string) ([]model.Contact, error)
	DuplicateEmailKeys(ctx context.Context) ([]string, error)
	ListContacts(ctx context.Context, filter model.ContactFilter) ([]model.Contact, error)
	ListActiveByTag(ctx context.Context, tag string) ([]model.Contact, error)
	CountContacts(ctx context.Context, p model.Predicate) (int64, error)

	// UpsertContact writes c keyed on (channel, external_id). On conflict
	// the stored id, created_at, status and retention columns are kept.
	UpsertContact(ctx context.Context, c *model.Contact) error
	UpsertContacts(ctx context.Context, contacts []model.Contact) (int64, error)
	InsertContact(ctx context.Context, c *model.Contact) error
	// UpdateContact overwrites the upsert columns of the contact with c.ID.
	UpdateContact(ctx context.Context, c *model.Contact) error
	UpdateRetention(ctx context.Context, c *model.Contact) error
	RestoreContact(ctx context.Context, id string) error
	DeleteContacts(ctx context.Context, ids []string) (int64, error)

	// WithEmailGroupLock runs fn while holding an exclusive lock on the
	// email group key.
	WithEmailGroupLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	// Sync state
	GetCursor(ctx context.Context, source string) (*model.SyncCursor, error)
	SaveCursor(ctx context.Context, cur model.SyncCursor) error
	RecordGap(ctx context.Context, gap model.Gap) error
	ListGaps(ctx context.Context, source string, limit int) ([]model.Gap, error)
	StartRun(ctx context.Context, runID, source string, staleAfter time.Duration) (*model.SyncRun, error)
	FinishRun(ctx context.Context, report *model.RunReport) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.SyncRun, error)

	// Segments
	SaveSegment(ctx context.Context, seg *model.Segment) error
	GetSegment(ctx context.Context, nameOrID string) (*model.Segment, error)
	ListSegments(ctx context.Context) ([]model.Segment, error)
	UpdateSegmentCount(ctx context.Context, id string, count int64, computedAt time.Time) error
	DeleteSegment(ctx context.Context, id string) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entries ...resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// RunFilter specifies criteria for listing sync runs.
type RunFilter struct {
	Source string          `json:"source,omitempty"`
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}
