// Package normalize turns raw upstream property bags into canonical contacts.
package normalize

import (
	_ "embed"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-sync/internal/model"
)

//go:embed mapping.yaml
var defaultMappingYAML []byte

// TagSource lists the properties holding outreach-category labels and the
// characters that separate multiple labels inside one value.
type TagSource struct {
	Properties []string `yaml:"properties"`
	Separators string   `yaml:"separators"`
}

// Mapping is the declarative canonical-field table.
type Mapping struct {
	ExternalID          []string                 `yaml:"external_id"`
	UpstreamUpdatedAt   []string                 `yaml:"upstream_updated_at"`
	Fields              map[model.Field][]string `yaml:"fields"`
	DNCFlags            []string                 `yaml:"dnc_flags"`
	ProtectionTags      TagSource                `yaml:"protection_tags"`
	LifecycleProperties []string                 `yaml:"lifecycle_properties"`
	Lifecycle           map[string]string        `yaml:"lifecycle"`

	consumed map[string]bool
}

// DefaultMapping returns the embedded mapping.
func DefaultMapping() (*Mapping, error) {
	return ParseMapping(defaultMappingYAML)
}

// LoadMapping reads a mapping file, falling back to the embedded default
// when path is empty.
func LoadMapping(path string) (*Mapping, error) {
	if path == "" {
		return DefaultMapping()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read mapping %s", path)
	}
	return ParseMapping(data)
}

// ParseMapping decodes and validates a YAML mapping document.
func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "normalize: parse mapping")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.index()
	return &m, nil
}

func (m *Mapping) validate() error {
	if len(m.Fields) == 0 {
		return eris.New("normalize: mapping has no fields")
	}
	for f, syns := range m.Fields {
		if !slices.Contains(model.TextFields, f) {
			return eris.Errorf("normalize: mapping field %q is not a text field", f)
		}
		if len(syns) == 0 {
			return eris.Errorf("normalize: mapping field %q has no synonyms", f)
		}
	}
	for from, to := range m.Lifecycle {
		if !validStage(model.LifecycleStage(to)) {
			return eris.Errorf("normalize: lifecycle %q maps to unknown stage %q", from, to)
		}
	}
	if len(m.Fields[model.FieldEmail]) == 0 {
		return eris.New("normalize: mapping must define email synonyms")
	}
	return nil
}

func (m *Mapping) index() {
	lookup := make(map[string]string, len(m.Lifecycle))
	for from, to := range m.Lifecycle {
		lookup[stageKey(from)] = to
	}
	m.Lifecycle = lookup

	m.consumed = map[string]bool{}
	for _, p := range m.Properties() {
		m.consumed[p] = true
	}
}

// Properties is the canonical property list requested from upstream: every
// synonym the mapping knows, deduplicated, in a stable order.
func (m *Mapping) Properties() []string {
	var out []string
	out = append(out, m.ExternalID...)
	out = append(out, m.UpstreamUpdatedAt...)
	for _, f := range model.TextFields {
		out = append(out, m.Fields[f]...)
	}
	out = append(out, m.DNCFlags...)
	out = append(out, m.ProtectionTags.Properties...)
	out = append(out, m.LifecycleProperties...)

	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, p := range out {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	return uniq
}

// Consumed reports whether a property is read by the mapping; everything
// else lands in the custom-field bag.
func (m *Mapping) Consumed(property string) bool {
	return m.consumed[property]
}

func validStage(s model.LifecycleStage) bool {
	switch s {
	case model.StageSubscriber, model.StageLead, model.StageMQL, model.StageSQL,
		model.StageOpportunity, model.StageCustomer, model.StageEvangelist, model.StageOther:
		return true
	}
	return false
}

// stageKey folds an upstream stage label so "Marketing Qualified Lead",
// "marketing_qualified_lead" and "marketingqualifiedlead" match.
func stageKey(v string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(v)))
}
