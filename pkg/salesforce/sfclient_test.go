package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gosf "github.com/k-capehart/go-salesforce/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrg answers the two REST calls the client makes.
func fakeOrg(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/sobjects/Contact/describe"):
			_, _ = w.Write([]byte(contactDescribe))
		case strings.Contains(r.URL.Path, "/sobjects/"):
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode([]map[string]any{{"message": "sobject not found", "errorCode": "NOT_FOUND"}})
		case strings.Contains(r.URL.Path, "/query") && strings.Contains(r.URL.Query().Get("q"), "FROM Contact"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"totalSize": 1,
				"done":      true,
				"records": []map[string]any{
					{"attributes": map[string]any{"type": "Contact"}, "Id": "003xx", "Email": "ada@example.com"},
				},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode([]map[string]any{{"message": "unexpected token", "errorCode": "MALFORMED_QUERY"}})
		}
	})
}

func newOrgClient(t *testing.T) Client {
	t.Helper()
	ts := httptest.NewServer(fakeOrg(t))
	t.Cleanup(ts.Close)

	sf, err := gosf.Init(gosf.Creds{AccessToken: "test-token", Domain: ts.URL},
		gosf.WithValidateAuthentication(false),
		gosf.WithRoundTripper(http.DefaultTransport),
	)
	require.NoError(t, err)
	return NewClient(sf, WithRateLimit(100))
}

func TestRestClient_Query(t *testing.T) {
	c := newOrgClient(t)

	var rows []map[string]any
	require.NoError(t, c.Query(context.Background(), "SELECT Id, Email FROM Contact", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "003xx", rows[0]["Id"])
	assert.Equal(t, "ada@example.com", rows[0]["Email"])

	err := c.Query(context.Background(), "SELEC Id", &rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: query")
}

func TestRestClient_Describe(t *testing.T) {
	c := newOrgClient(t)

	s, err := c.Describe(context.Background(), "Contact")
	require.NoError(t, err)
	assert.Equal(t, "Contact", s.Name)
	assert.True(t, s.Has("FirstName"))

	_, err = c.Describe(context.Background(), "Nope__c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: describe Nope__c")
}
