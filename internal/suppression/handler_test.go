package suppression

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, l Lister, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(l).Mount(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServeSuppression(t *testing.T) {
	tests := []struct {
		name       string
		lister     Lister
		target     string
		wantStatus int
		wantType   string
		wantAttach bool
	}{
		{name: "json default", lister: donors(), target: "/api/suppression?tag=donor", wantStatus: http.StatusOK, wantType: "application/json"},
		{name: "csv download", lister: donors(), target: "/api/suppression?tag=donor&format=csv", wantStatus: http.StatusOK, wantType: "text/csv", wantAttach: true},
		{name: "missing tag", lister: donors(), target: "/api/suppression", wantStatus: http.StatusBadRequest, wantType: "application/json"},
		{name: "bad format", lister: donors(), target: "/api/suppression?tag=donor&format=pdf", wantStatus: http.StatusBadRequest, wantType: "application/json"},
		{name: "store error", lister: &stubLister{err: errors.New("db down")}, target: "/api/suppression?tag=donor", wantStatus: http.StatusInternalServerError, wantType: "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, tt.lister, tt.target)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantAttach, rec.Header().Get("Content-Disposition") != "")
		})
	}
}

func TestServeSuppression_Body(t *testing.T) {
	rec := get(t, donors(), "/api/suppression?tag=donor")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 2, got["count"])
}
