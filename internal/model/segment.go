package model

import (
	"fmt"
	"strconv"
	"time"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpIn       Op = "in"
	OpHasTag   Op = "has_tag"
	OpIsEmpty  Op = "is_empty"
	OpNotEmpty Op = "not_empty"
)

// Condition compares one canonical field.
type Condition struct {
	Field  Field    `json:"field" yaml:"field"`
	Op     Op       `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Predicate matches contacts satisfying every All condition and, when Any
// is non-empty, at least one Any condition.
type Predicate struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

// Conditions returns All followed by Any.
func (p Predicate) Conditions() []Condition {
	out := make([]Condition, 0, len(p.All)+len(p.Any))
	out = append(out, p.All...)
	return append(out, p.Any...)
}

// ConstrainsStatus reports whether the predicate mentions status itself.
func (p Predicate) ConstrainsStatus() bool {
	for _, c := range p.Conditions() {
		if c.Field == FieldStatus {
			return true
		}
	}
	return false
}

// Validate checks every condition against the canonical vocabulary and
// the operators each field supports.
func (p Predicate) Validate() error {
	if len(p.All) == 0 && len(p.Any) == 0 {
		return fmt.Errorf("predicate has no conditions")
	}
	for i, c := range p.Conditions() {
		if err := c.validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

func (c Condition) validate() error {
	if !c.Field.Known() {
		return fmt.Errorf("unknown field %q", c.Field)
	}
	switch c.Op {
	case OpEq, OpNeq:
		if c.Field == FieldProtectionTags {
			return fmt.Errorf("use has_tag for %s", c.Field)
		}
		if c.Field == FieldRemovedUpstream {
			if _, err := strconv.ParseBool(c.Value); err != nil {
				return fmt.Errorf("%s needs true or false, got %q", c.Field, c.Value)
			}
		}
	case OpIn:
		if c.Field == FieldProtectionTags || c.Field == FieldRemovedUpstream {
			return fmt.Errorf("in is not supported for %s", c.Field)
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("in needs values")
		}
	case OpHasTag:
		if c.Field != FieldProtectionTags {
			return fmt.Errorf("has_tag only applies to %s", FieldProtectionTags)
		}
		if c.Value == "" {
			return fmt.Errorf("has_tag needs a value")
		}
	case OpIsEmpty, OpNotEmpty:
		if c.Field == FieldRemovedUpstream {
			return fmt.Errorf("%s is not supported for %s", c.Op, c.Field)
		}
	default:
		return fmt.Errorf("unknown op %q", c.Op)
	}
	return nil
}

// DependsOn returns the fields whose change can alter the predicate's
// result. Status is always included because the default view is active
// contacts only.
func (p Predicate) DependsOn() FieldSet {
	deps := NewFieldSet(FieldStatus)
	for _, c := range p.Conditions() {
		deps.Add(c.Field)
	}
	return deps
}

// Segment is a saved filter with a cached count.
type Segment struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Predicate  Predicate  `json:"predicate"`
	DependsOn  []Field    `json:"depends_on"`
	Count      int64      `json:"count"`
	ComputedAt *time.Time `json:"computed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Dependencies returns DependsOn as a set.
func (s *Segment) Dependencies() FieldSet {
	return NewFieldSet(s.DependsOn...)
}
