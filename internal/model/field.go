package model

import (
	"maps"
	"slices"
	"strings"
)

// Field is a canonical contact field name. Segment predicates, change
// tracking and the normalizer mapping all speak this vocabulary.
type Field string

const (
	FieldEmail           Field = "email"
	FieldFirstName       Field = "first_name"
	FieldLastName        Field = "last_name"
	FieldPhone           Field = "phone"
	FieldCompany         Field = "company"
	FieldJobTitle        Field = "job_title"
	FieldCity            Field = "city"
	FieldState           Field = "state"
	FieldChannel         Field = "channel"
	FieldLifecycleStage  Field = "lifecycle_stage"
	FieldDNCStatus       Field = "dnc_status"
	FieldProtectionTags  Field = "protection_tags"
	FieldStatus          Field = "status"
	FieldRemovedUpstream Field = "removed_upstream"
	FieldExternalID      Field = "external_id"
)

// TextFields are the plain string attributes filled by synonym lookup.
var TextFields = []Field{
	FieldEmail, FieldFirstName, FieldLastName, FieldPhone,
	FieldCompany, FieldJobTitle, FieldCity, FieldState,
}

// AllFields lists every canonical field.
var AllFields = append(slices.Clone(TextFields),
	FieldChannel, FieldLifecycleStage, FieldDNCStatus, FieldProtectionTags,
	FieldStatus, FieldRemovedUpstream, FieldExternalID,
)

// Known reports whether f is part of the canonical vocabulary.
func (f Field) Known() bool {
	return slices.Contains(AllFields, f)
}

// FieldSet is a set of canonical fields.
type FieldSet map[Field]struct{}

// NewFieldSet builds a set from fields.
func NewFieldSet(fields ...Field) FieldSet {
	s := make(FieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

// Add inserts fields into the set.
func (s FieldSet) Add(fields ...Field) {
	for _, f := range fields {
		s[f] = struct{}{}
	}
}

// Has reports membership.
func (s FieldSet) Has(f Field) bool {
	_, ok := s[f]
	return ok
}

// Union merges other into s.
func (s FieldSet) Union(other FieldSet) {
	maps.Copy(s, other)
}

// Intersects reports whether the two sets share at least one field.
func (s FieldSet) Intersects(other FieldSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for f := range small {
		if large.Has(f) {
			return true
		}
	}
	return false
}

// Sorted returns the fields in stable order, for storage and logging.
func (s FieldSet) Sorted() []Field {
	out := slices.Collect(maps.Keys(s))
	slices.Sort(out)
	return out
}

// Strings returns the sorted field names.
func (s FieldSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, f := range sorted {
		out[i] = string(f)
	}
	return out
}

// FieldValue returns the comparable value of a canonical field on c.
func FieldValue(c *Contact, f Field) string {
	switch f {
	case FieldEmail:
		return c.Email
	case FieldFirstName:
		return c.FirstName
	case FieldLastName:
		return c.LastName
	case FieldPhone:
		return c.Phone
	case FieldCompany:
		return c.Company
	case FieldJobTitle:
		return c.JobTitle
	case FieldCity:
		return c.City
	case FieldState:
		return c.State
	case FieldChannel:
		return string(c.Channel)
	case FieldLifecycleStage:
		return string(c.LifecycleStage)
	case FieldDNCStatus:
		return string(c.DNCStatus)
	case FieldStatus:
		return string(c.Status)
	case FieldExternalID:
		return c.ExternalID
	case FieldRemovedUpstream:
		if c.RemovedUpstream {
			return "true"
		}
		return "false"
	case FieldProtectionTags:
		return strings.Join(NormalizeTags(c.ProtectionTags), ";")
	}
	return ""
}

// SetText assigns one of the TextFields on c.
func SetText(c *Contact, f Field, v string) {
	switch f {
	case FieldEmail:
		c.Email = v
	case FieldFirstName:
		c.FirstName = v
	case FieldLastName:
		c.LastName = v
	case FieldPhone:
		c.Phone = v
	case FieldCompany:
		c.Company = v
	case FieldJobTitle:
		c.JobTitle = v
	case FieldCity:
		c.City = v
	case FieldState:
		c.State = v
	}
}

// Diff returns the canonical fields whose values differ between before and
// after. A nil before means the record is new, so every field counts as
// changed. Timestamps and the custom bag are not canonical and never appear.
func Diff(before, after *Contact) FieldSet {
	if before == nil || after == nil {
		return NewFieldSet(AllFields...)
	}
	changed := FieldSet{}
	for _, f := range AllFields {
		if FieldValue(before, f) != FieldValue(after, f) {
			changed.Add(f)
		}
	}
	return changed
}
