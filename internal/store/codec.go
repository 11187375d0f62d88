package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
)

const segmentSelect = `SELECT id, name, predicate, depends_on, member_count, computed_at, created_at FROM segments`

func marshalSegment(seg *model.Segment) (string, string, error) {
	pred, err := json.Marshal(seg.Predicate)
	if err != nil {
		return "", "", eris.Wrap(err, "store: marshal predicate")
	}
	deps := seg.DependsOn
	if deps == nil {
		deps = []model.Field{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return "", "", eris.Wrap(err, "store: marshal depends_on")
	}
	return string(pred), string(depsJSON), nil
}

func scanSegment(row scannable) (*model.Segment, error) {
	var seg model.Segment
	var predJSON, depsJSON string
	if err := row.Scan(&seg.ID, &seg.Name, &predJSON, &depsJSON, &seg.Count, &seg.ComputedAt, &seg.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(predJSON), &seg.Predicate); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal predicate")
	}
	if err := json.Unmarshal([]byte(depsJSON), &seg.DependsOn); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal depends_on")
	}
	return &seg, nil
}

// dlqArgs returns e's values in dlqColumns order, assigning an id if
// the entry has none.
func dlqArgs(e *resilience.DLQEntry) ([]any, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	eventJSON, err := json.Marshal(e.Event)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal dlq event")
	}
	return []any{
		e.ID, e.Event.ObjectID, string(eventJSON), e.BatchID, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	}, nil
}

func scanDLQEntry(row scannable) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var objectID, eventJSON string
	if err := row.Scan(&e.ID, &objectID, &eventJSON, &e.BatchID, &e.Error, &e.ErrorType,
		&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(eventJSON), &e.Event); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal dlq event")
	}
	return &e, nil
}
