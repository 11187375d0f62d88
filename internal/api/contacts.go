package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
)

const maxContactBody = 64 << 10

// createContact takes a flat property map, the same shape an upstream
// record carries, and stores it through the manual channel.
func (s *server) createContact(w http.ResponseWriter, r *http.Request) {
	var props map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxContactBody))
	dec.UseNumber()
	if err := dec.Decode(&props); err != nil || len(props) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a JSON object of contact properties")
		return
	}

	res := s.Normalizer.Normalize(model.RawRecord{Properties: props})
	if len(res.Issues) > 0 {
		contactsIngested.WithLabelValues("invalid").Inc()
		msgs := make([]string, len(res.Issues))
		for i, issue := range res.Issues {
			msgs[i] = issue.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "invalid contact", "issues": msgs})
		return
	}
	c := res.Contact
	if c.Email == "" && normalize.PhoneKey(c.Phone) == "" {
		contactsIngested.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusUnprocessableEntity, "email or phone is required")
		return
	}

	out, err := s.Resolver.Ingest(r.Context(), c, model.ChannelManual)
	if err != nil {
		s.log.Error("manual contact ingest failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store contact")
		return
	}
	if len(out.Changed) > 0 {
		s.refresh(r, out.Changed)
	}
	if !out.Created {
		contactsIngested.WithLabelValues("updated").Inc()
		writeJSON(w, http.StatusOK, map[string]any{"created": false, "updated": true, "contact": out.Contact})
		return
	}
	contactsIngested.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusCreated, map[string]any{"created": true, "contact": out.Contact})
}

func (s *server) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.GetContact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("get contact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load contact")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) restoreContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.Store.GetContact(r.Context(), id)
	if err != nil {
		s.log.Error("get contact", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load contact")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contact not found")
		return
	}
	if c.Status != model.StatusArchived {
		writeError(w, http.StatusConflict, "contact is not archived")
		return
	}

	restored, err := s.Retention.Restore(r.Context(), id)
	if err != nil {
		s.log.Error("restore contact", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not restore contact")
		return
	}
	s.refresh(r, model.NewFieldSet(model.FieldStatus))
	writeJSON(w, http.StatusOK, restored)
}

// refresh keeps segment counts current after a write. The write already
// succeeded, so a failed refresh is only logged.
func (s *server) refresh(r *http.Request, changed model.FieldSet) {
	if _, err := s.Segments.Refresh(r.Context(), changed); err != nil {
		s.log.Warn("segment refresh failed", zap.Error(err))
	}
}
