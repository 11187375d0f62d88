// Package api serves the HTTP surface: webhook intake, manual contact
// entry, suppression lists, segment counts, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/dedup"
	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
	"github.com/sells-group/crm-sync/internal/retention"
	"github.com/sells-group/crm-sync/internal/segment"
	"github.com/sells-group/crm-sync/internal/store"
)

// Mounter registers its routes on a router.
type Mounter interface {
	Mount(r chi.Router)
}

// Deps are the components the router serves from.
type Deps struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Resolver   *dedup.Resolver
	Retention  *retention.Engine
	Segments   *segment.Materializer
	// Mounts are extra handlers, such as webhook intake and suppression.
	Mounts      []Mounter
	CORSOrigins []string
}

type server struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/contacts", s.createContact)
	r.Get("/api/contacts/{id}", s.getContact)
	r.Post("/api/contacts/{id}/restore", s.restoreContact)
	r.Get("/api/segments", s.listSegments)

	for _, m := range d.Mounts {
		m.Mount(r)
	}
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := s.Segments.List(r.Context())
	if err != nil {
		s.log.Error("list segments", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list segments")
		return
	}
	if segs == nil {
		segs = []model.Segment{}
	}
	writeJSON(w, http.StatusOK, segs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
