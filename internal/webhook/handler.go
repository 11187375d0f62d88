package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/sells-group/crm-sync/internal/model"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Signature-Timestamp"

	defaultMaxBody = 5 << 20
)

// Submitter accepts a batch for asynchronous processing without blocking.
type Submitter interface {
	Submit(batchID string, events []model.Event) error
}

// HandlerConfig configures the receiver. An empty Secret disables
// signature verification.
type HandlerConfig struct {
	Secret  string
	MaxSkew time.Duration
	MaxBody int64
}

// Handler receives webhook deliveries.
type Handler struct {
	sub Submitter
	cfg HandlerConfig
	now func() time.Time
	log *zap.Logger
}

// NewHandler creates a Handler that hands batches to sub.
func NewHandler(sub Submitter, cfg HandlerConfig) *Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &Handler{
		sub: sub,
		cfg: cfg,
		now: time.Now,
		log: zap.L().With(zap.String("component", "webhook.handler")),
	}
}

// Mount registers the webhook routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/contacts", h.ServeContacts)
}

// envelope is one delivered notification. Both the plain form
// ({eventId, objectId, eventType}) and HubSpot's subscription form
// ({eventId, objectId, subscriptionType}) are accepted; ids may be numbers.
type envelope struct {
	EventID          flexString `json:"eventId"`
	ObjectID         flexString `json:"objectId"`
	EventType        string     `json:"eventType"`
	SubscriptionType string     `json:"subscriptionType"`
	OccurredAt       int64      `json:"occurredAt"`
}

// flexString decodes a JSON string or number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// eventType maps an envelope's type to a canonical event type.
func (e envelope) eventType() (model.EventType, bool) {
	t := e.EventType
	if t == "" {
		t = e.SubscriptionType
	}
	t = strings.ToLower(t)
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	switch t {
	case "create", "creation", "restore":
		return model.EventCreate, true
	case "update", "propertychange", "associationchange":
		return model.EventUpdate, true
	case "delete", "deletion", "privacydeletion":
		return model.EventDelete, true
	}
	return "", false
}

// toEvent converts an envelope. Envelopes without an object id or with an
// unknown type are not events.
func (e envelope) toEvent() (model.Event, bool) {
	t, ok := e.eventType()
	if !ok || e.ObjectID == "" {
		return model.Event{}, false
	}
	ev := model.Event{EventID: string(e.EventID), ObjectID: string(e.ObjectID), Type: t}
	if e.OccurredAt > 0 {
		ev.OccurredAt = time.UnixMilli(e.OccurredAt).UTC()
	}
	return ev, true
}

// ServeContacts accepts a JSON array of envelopes and responds 202 with
// the batch id before any event is processed.
func (h *Handler) ServeContacts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > h.cfg.MaxBody {
		batchesRejected.WithLabelValues("too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if h.cfg.Secret != "" {
		if msg := h.verify(r.Header.Get(headerTimestamp), r.Header.Get(headerSignature), body); msg != "" {
			batchesRejected.WithLabelValues("signature").Inc()
			h.log.Warn("webhook signature rejected", zap.String("reason", msg), zap.String("remote", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
	}

	var envs []envelope
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&envs); err != nil {
		batchesRejected.WithLabelValues("invalid_json").Inc()
		writeError(w, http.StatusBadRequest, "body must be a JSON array of events")
		return
	}

	events := make([]model.Event, 0, len(envs))
	for _, e := range envs {
		if ev, ok := e.toEvent(); ok {
			events = append(events, ev)
		}
	}
	ignored := len(envs) - len(events)

	batchID := ulid.Make().String()
	if err := h.sub.Submit(batchID, events); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrDispatcherClosed) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
		h.log.Warn("webhook batch not accepted", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, status, "batch not accepted, retry later")
		return
	}

	h.log.Debug("webhook batch accepted",
		zap.String("batch_id", batchID),
		zap.Int("events", len(events)),
		zap.Int("ignored", ignored),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"accepted": len(events),
		"ignored":  ignored,
	})
}

// verify checks an HMAC-SHA256 over timestamp + "\n" + body. The timestamp
// is epoch milliseconds or RFC 3339 and must be within MaxSkew.
func (h *Handler) verify(timestamp, signature string, body []byte) string {
	if timestamp == "" || signature == "" {
		return "missing signature headers"
	}
	ts, ok := parseTimestamp(timestamp)
	if !ok {
		return "invalid signature timestamp"
	}
	skew := h.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > h.cfg.MaxSkew {
		return "signature timestamp outside allowed skew"
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(h.cfg.Secret, timestamp, body))) {
		return "signature mismatch"
	}
	return ""
}

// Sign returns the hex signature a sender puts in X-Signature.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseTimestamp(v string) (time.Time, bool) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
