// Package extract walks an upstream contact listing page by page, isolating
// corrupt records with a shrinking page size and skipping past the ones that
// cannot be read at all.
package extract

import (
	"context"

	"github.com/sells-group/crm-sync/internal/model"
)

// PageRequest asks a source for up to Limit records after the opaque cursor
// After. An empty After starts at the beginning of the listing.
type PageRequest struct {
	Properties []string
	Limit      int
	After      string
}

// Page is one successful listing response. An empty Next means the listing
// has no further pages.
type Page struct {
	Records []model.RawRecord
	Next    string
}

// Source is an upstream contact listing.
type Source interface {
	// Name identifies the source in cursors, run logs and metrics.
	Name() string
	// ListPage returns the page at req.After. Errors should be classified
	// with the resilience taxonomy: rate limited, transient or corrupt.
	ListPage(ctx context.Context, req PageRequest) (*Page, error)
	// Advance returns the cursor n records past cursor without reading
	// their data, and how many records were actually passed. An empty next
	// means the skip reached the end of the listing.
	Advance(ctx context.Context, cursor string, n int) (next string, skipped int, err error)
}

// Progress is the run state checkpointed alongside every cursor.
type Progress struct {
	RunID  string
	Source string
	Pages  int
	Errors int
	Gaps   int
}

// PageCommit is a page handed to the sink. Next is the cursor to checkpoint
// once the records are stored.
type PageCommit struct {
	Progress
	Records []model.RawRecord
	After   string
	Next    string
}

// CommitResult counts how a page's records fared in the store.
type CommitResult struct {
	Committed int
	Errored   int
	Changed   model.FieldSet
}

// Sink stores extracted data. Both methods checkpoint the cursor they are
// given so a later run resumes exactly after the committed work.
type Sink interface {
	// CommitPage stores the records and checkpoints commit.Next. Per-record
	// failures are counted in Errored; a returned error means nothing was
	// checkpointed.
	CommitPage(ctx context.Context, commit PageCommit) (CommitResult, error)
	// RecordGap persists the gap marker and checkpoints next.
	RecordGap(ctx context.Context, gap model.Gap, next string, p Progress) error
}
