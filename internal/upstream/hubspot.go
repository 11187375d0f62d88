package upstream

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/resilience"
	"github.com/sells-group/crm-sync/pkg/hubspot"
)

// HubSpot reads contacts through the CRM v3 objects API. Its cursors are
// HubSpot's own paging tokens.
type HubSpot struct {
	client hubspot.Client
	props  PropertyFunc
}

// NewHubSpot wraps client. props supplies the properties Fetch requests.
func NewHubSpot(client hubspot.Client, props PropertyFunc) *HubSpot {
	return &HubSpot{client: client, props: props}
}

func (h *HubSpot) Name() string { return "hubspot" }

func (h *HubSpot) ListPage(ctx context.Context, req extract.PageRequest) (*extract.Page, error) {
	resp, err := h.client.ListContacts(ctx, hubspot.ListRequest{
		Properties: req.Properties,
		Limit:      req.Limit,
		After:      req.After,
	})
	if err != nil {
		return nil, classifyHubSpot(err)
	}
	page := &extract.Page{Next: resp.Next, Records: make([]model.RawRecord, 0, len(resp.Results))}
	for _, obj := range resp.Results {
		page.Records = append(page.Records, withID(model.RawRecord{ID: obj.ID, Properties: obj.Properties}, "hs_object_id"))
	}
	return page, nil
}

// Advance lists n records asking only for their id, which reads past a
// record whose other properties upstream cannot serve.
func (h *HubSpot) Advance(ctx context.Context, cursor string, n int) (string, int, error) {
	resp, err := h.client.ListContacts(ctx, hubspot.ListRequest{
		Properties: []string{"hs_object_id"},
		Limit:      n,
		After:      cursor,
	})
	if err != nil {
		return "", 0, classifyHubSpot(err)
	}
	return resp.Next, len(resp.Results), nil
}

// Fetch reads one contact. Deleted or archived contacts yield nil.
func (h *HubSpot) Fetch(ctx context.Context, objectID string) (*model.RawRecord, error) {
	var props []string
	if h.props != nil {
		props = h.props()
	}
	obj, err := h.client.GetContact(ctx, objectID, props)
	if errors.Is(err, hubspot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyHubSpot(err)
	}
	if obj.Archived {
		return nil, nil
	}
	rec := withID(model.RawRecord{ID: obj.ID, Properties: obj.Properties}, "hs_object_id")
	return &rec, nil
}

// classifyHubSpot maps client failures: 429 is rate limiting, gateway
// statuses and transport failures are transient, other 5xx and
// undecodable bodies are corrupt. Remaining 4xx pass through unchanged.
func classifyHubSpot(err error) error {
	if isContextErr(err) {
		return err
	}
	var apiErr *hubspot.APIError
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTPStatus(apiErr.StatusCode, apiErr.RetryAfter, err)
	}
	if errors.Is(err, hubspot.ErrMalformedResponse) {
		return resilience.NewCorruptRecordError(err, 0)
	}
	return resilience.NewTransientError(eris.Wrap(err, "hubspot: transport"), 0)
}
