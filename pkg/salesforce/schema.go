package salesforce

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// Field is one column of an object's describe result.
type Field struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	Filterable bool   `json:"filterable"`
}

// Schema is the part of an object describe the contact source reads.
type Schema struct {
	Name   string  `json:"name"`
	Label  string  `json:"label"`
	Fields []Field `json:"fields"`

	index map[string]struct{}
}

// Has reports whether the object has a field with exactly this API name.
func (s *Schema) Has(name string) bool {
	if s.index == nil {
		s.index = make(map[string]struct{}, len(s.Fields))
		for _, f := range s.Fields {
			s.index[f.Name] = struct{}{}
		}
	}
	_, ok := s.index[name]
	return ok
}

// Select returns the names in want that exist on the object, in order and
// without repeats. Id is left out; queries always add it first.
func (s *Schema) Select(want []string) []string {
	seen := make(map[string]bool, len(want))
	var out []string
	for _, name := range want {
		if name == "Id" || seen[name] || !s.Has(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func decodeSchema(r io.Reader) (*Schema, error) {
	var s Schema
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, eris.Wrap(err, "sf: decode describe")
	}
	if s.Name == "" {
		return nil, eris.New("sf: describe response has no object name")
	}
	return &s, nil
}
