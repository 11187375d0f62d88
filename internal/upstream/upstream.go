// Package upstream adapts the CRM clients to the bulk extractor and the
// webhook fetcher. Each adapter classifies client failures into the
// resilience taxonomy so the callers can tell a bad record from a bad
// connection.
package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/sells-group/crm-sync/internal/extract"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/webhook"
)

// Upstream is one CRM seen both as a listing and as a per-object reader.
type Upstream interface {
	extract.Source
	webhook.Fetcher
}

// PropertyFunc returns the property names currently requested from the
// CRM. The normalizer's field mapping can change at runtime, so adapters
// ask for it per request.
type PropertyFunc func() []string

var (
	_ Upstream = (*HubSpot)(nil)
	_ Upstream = (*Salesforce)(nil)
)

// isContextErr reports whether err came from the caller's context.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// salesforceRateLimitCodes are the error codes Salesforce uses when the
// org's API allowance is spent.
var salesforceRateLimitCodes = []string{"REQUEST_LIMIT_EXCEEDED", "TooManyRequests"}

func withID(rec model.RawRecord, key string) model.RawRecord {
	if rec.Properties == nil {
		rec.Properties = map[string]any{}
	}
	if _, ok := rec.Properties[key]; !ok {
		rec.Properties[key] = rec.ID
	}
	return rec
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
