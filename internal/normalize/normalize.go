package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/crm-sync/internal/model"
)

// ValidationError describes a field value that was dropped to its default.
type ValidationError struct {
	Field  model.Field `json:"field"`
	Value  string      `json:"value"`
	Reason string      `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("normalize: %s %q dropped: %s", e.Field, e.Value, e.Reason)
}

// Result is the output of one normalization.
type Result struct {
	Contact model.Contact
	Issues  []ValidationError
}

// Normalizer applies the current mapping. Normalize is a pure function of
// the raw record and the mapping; swapping the mapping is the only state.
type Normalizer struct {
	mapping atomic.Pointer[Mapping]
}

// New creates a Normalizer over m.
func New(m *Mapping) *Normalizer {
	n := &Normalizer{}
	n.mapping.Store(m)
	return n
}

// Mapping returns the mapping currently in effect.
func (n *Normalizer) Mapping() *Mapping {
	return n.mapping.Load()
}

// Swap replaces the mapping for subsequent calls.
func (n *Normalizer) Swap(m *Mapping) {
	n.mapping.Store(m)
}

// Properties is the canonical property list for upstream requests.
func (n *Normalizer) Properties() []string {
	return n.Mapping().Properties()
}

// Normalize maps raw onto a canonical contact. The returned contact has no
// internal id, channel, status or timestamps; the resolver owns those.
func (n *Normalizer) Normalize(raw model.RawRecord) Result {
	return Apply(n.Mapping(), raw)
}

// Apply is Normalize against an explicit mapping.
func Apply(m *Mapping, raw model.RawRecord) Result {
	var res Result
	c := &res.Contact

	c.ExternalID = strings.TrimSpace(raw.ID)
	if c.ExternalID == "" {
		c.ExternalID, _ = firstPresent(raw.Properties, m.ExternalID)
	}

	for _, f := range model.TextFields {
		v, _ := firstPresent(raw.Properties, m.Fields[f])
		model.SetText(c, f, v)
	}

	if c.Email != "" {
		if reason := invalidEmail(c.Email); reason != "" {
			res.Issues = append(res.Issues, ValidationError{Field: model.FieldEmail, Value: c.Email, Reason: reason})
			c.Email = ""
		}
	}

	c.DNCStatus = deriveDNC(raw.Properties, m.DNCFlags)
	c.LifecycleStage, res.Issues = deriveStage(raw.Properties, m, res.Issues)
	c.ProtectionTags = deriveTags(raw.Properties, m.ProtectionTags)

	if v, ok := firstPresent(raw.Properties, m.UpstreamUpdatedAt); ok {
		if ts, err := parseTimestamp(v); err == nil {
			c.UpstreamUpdatedAt = &ts
		}
	}

	for k, v := range raw.Properties {
		if m.Consumed(k) {
			continue
		}
		if s, ok := stringify(v); ok {
			if c.Custom == nil {
				c.Custom = make(map[string]string)
			}
			c.Custom[k] = s
		}
	}

	return res
}

// EmailKey is the grouping key for email-based identity: trimmed, NFC and
// case-folded. Empty input yields an empty key.
func EmailKey(email string) string {
	email = strings.TrimSpace(norm.NFC.String(email))
	if email == "" {
		return ""
	}
	return cases.Fold().String(email)
}

// PhoneKey is the matching key for phone identity: the digits alone.
// Numbers with fewer than seven digits yield an empty key.
func PhoneKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 7 {
		return ""
	}
	return b.String()
}

// IsTruthy reports whether an upstream flag value means "yes". Accepted:
// true, "true", "yes", "1", 1 (strings case-insensitive).
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return t == 1
	case int:
		return t == 1
	case int64:
		return t == 1
	case json.Number:
		return t.String() == "1"
	}
	return false
}

func deriveDNC(props map[string]any, flags []string) model.DNCStatus {
	for _, f := range flags {
		if IsTruthy(props[f]) {
			return model.DNCBlocked
		}
	}
	return model.DNCCallable
}

func deriveStage(props map[string]any, m *Mapping, issues []ValidationError) (model.LifecycleStage, []ValidationError) {
	v, ok := firstPresent(props, m.LifecycleProperties)
	if !ok {
		return model.DefaultStage, issues
	}
	if stage, found := m.Lifecycle[stageKey(v)]; found {
		return model.LifecycleStage(stage), issues
	}
	issues = append(issues, ValidationError{Field: model.FieldLifecycleStage, Value: v, Reason: "unknown stage"})
	return model.DefaultStage, issues
}

func deriveTags(props map[string]any, src TagSource) []string {
	seps := src.Separators
	if seps == "" {
		seps = ";"
	}
	var tags []string
	for _, p := range src.Properties {
		v, ok := stringify(props[p])
		if !ok {
			continue
		}
		tags = append(tags, strings.FieldsFunc(v, func(r rune) bool {
			return strings.ContainsRune(seps, r)
		})...)
	}
	tags = model.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// firstPresent returns the first synonym with a non-blank value.
func firstPresent(props map[string]any, synonyms []string) (string, bool) {
	for _, name := range synonyms {
		if s, ok := stringify(props[name]); ok {
			return s, true
		}
	}
	return "", false
}

// stringify renders a scalar property value as trimmed NFC text. Nil,
// blank and non-scalar values are absent.
func stringify(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case bool:
		s = strconv.FormatBool(t)
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case json.Number:
		s = t.String()
	default:
		return "", false
	}
	s = strings.TrimSpace(norm.NFC.String(s))
	return s, s != ""
}

func invalidEmail(email string) string {
	if strings.ContainsAny(email, " \t<>") {
		return "contains whitespace or brackets"
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "missing local part or domain"
	}
	if strings.Count(email, "@") != 1 {
		return "more than one @"
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "domain is not qualified"
	}
	return ""
}

// parseTimestamp accepts RFC 3339 strings and epoch milliseconds, the two
// forms CRM APIs use for modification dates.
func parseTimestamp(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
