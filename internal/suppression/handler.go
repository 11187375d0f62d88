package suppression

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler serves GET /api/suppression?tag=X[&format=csv|json|xlsx].
type Handler struct {
	lister Lister
	log    *zap.Logger
}

// NewHandler creates a suppression handler.
func NewHandler(l Lister) *Handler {
	return &Handler{lister: l, log: zap.L().With(zap.String("component", "suppression"))}
}

// Mount registers the route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/suppression", h.ServeSuppression)
}

// ServeSuppression writes the set for the tag query parameter. JSON is the
// default over HTTP.
func (h *Handler) ServeSuppression(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	format := FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	entries, err := Entries(r.Context(), h.lister, tag)
	if err != nil {
		h.log.Error("list suppression set", zap.String("tag", tag), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load suppression set")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format != FormatJSON {
		w.Header().Set("Content-Disposition", `attachment; filename="suppression-`+sheetName(tag)+`.`+string(format)+`"`)
	}
	if err := Write(w, format, tag, entries); err != nil {
		h.log.Warn("write suppression set", zap.String("tag", tag), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
