package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
	"github.com/sells-group/crm-sync/pkg/salesforce"
)

// Salesforce walks an SObject in Id order. Its cursor is the last Id read.
type Salesforce struct {
	client salesforce.Client
	object string
	props  PropertyFunc

	mu     sync.Mutex
	schema *salesforce.Schema
}

// NewSalesforce reads object (usually Contact) through client.
func NewSalesforce(client salesforce.Client, object string, props PropertyFunc) *Salesforce {
	if object == "" {
		object = "Contact"
	}
	return &Salesforce{client: client, object: object, props: props}
}

func (s *Salesforce) Name() string { return "salesforce" }

func (s *Salesforce) ListPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	fields, err := s.fields(ctx, req.Properties)
	if err != nil {
		return nil, err
	}
	rows, err := salesforce.Page(ctx, s.client, s.object, fields, req.After, req.Limit)
	if err != nil {
		return nil, classifySalesforce(err)
	}
	page := &extract.Page{Records: make([]model.RawRecord, 0, len(rows))}
	for _, row := range rows {
		page.Records = append(page.Records, toRecord(row))
	}
	if len(rows) == req.Limit && len(rows) > 0 {
		page.Next = page.Records[len(page.Records)-1].ID
	}
	return page, nil
}

func (s *Salesforce) Advance(ctx context.Context, cursor string, n int) (string, int, error) {
	ids, err := salesforce.IDs(ctx, s.client, s.object, cursor, n)
	if err != nil {
		return "", 0, classifySalesforce(err)
	}
	if len(ids) < n {
		return "", len(ids), nil
	}
	return ids[len(ids)-1], len(ids), nil
}

func (s *Salesforce) Fetch(ctx context.Context, objectID string) (*model.RawRecord, error) {
	var want []string
	if s.props != nil {
		want = s.props()
	}
	fields, err := s.fields(ctx, want)
	if err != nil {
		return nil, err
	}
	row, err := salesforce.FindByID(ctx, s.client, s.object, fields, objectID)
	if err != nil {
		return nil, classifySalesforce(err)
	}
	if row == nil {
		return nil, nil
	}
	rec := toRecord(row)
	return &rec, nil
}

// fields keeps the requested properties the object actually has. SOQL
// rejects a whole query over one unknown field, and the mapping carries
// names for every supported CRM.
func (s *Salesforce) fields(ctx context.Context, want []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema == nil {
		schema, err := s.client.Describe(ctx, s.object)
		if err != nil {
			return nil, classifySalesforce(eris.Wrapf(err, "upstream: describe %s", s.object))
		}
		s.schema = schema
	}
	return s.schema.Select(want), nil
}

func toRecord(row map[string]any) model.RawRecord {
	id := fmt.Sprint(row["Id"])
	return model.RawRecord{ID: id, Properties: row}
}

// classifySalesforce recognizes rate limiting and network trouble. The
// library reports everything else as opaque errors, which end the run.
func classifySalesforce(err error) error {
	if isContextErr(err) {
		return err
	}
	if containsAny(err.Error(), salesforceRateLimitCodes) {
		return &resilience.RateLimitedError{}
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
