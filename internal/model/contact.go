package model

import (
	"slices"
	"strings"
	"time"
)

// Channel is the ingestion path a contact arrived through. Records that
// carry an upstream identity live in the bulk-api namespace regardless of
// whether the bulk walk or a webhook delivered them.
type Channel string

const (
	ChannelBulkAPI    Channel = "bulk-api"
	ChannelWebhook    Channel = "webhook"
	ChannelFileImport Channel = "file-import"
	ChannelManual     Channel = "manual"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelBulkAPI, ChannelWebhook, ChannelFileImport, ChannelManual:
		return true
	}
	return false
}

// LifecycleStage is the normalized funnel position of a contact.
type LifecycleStage string

const (
	StageSubscriber  LifecycleStage = "subscriber"
	StageLead        LifecycleStage = "lead"
	StageMQL         LifecycleStage = "marketing_qualified_lead"
	StageSQL         LifecycleStage = "sales_qualified_lead"
	StageOpportunity LifecycleStage = "opportunity"
	StageCustomer    LifecycleStage = "customer"
	StageEvangelist  LifecycleStage = "evangelist"
	StageOther       LifecycleStage = "other"
)

// DefaultStage applies when upstream has no recognizable stage.
const DefaultStage = StageLead

// DNCStatus is the derived do-not-call flag.
type DNCStatus string

const (
	DNCCallable DNCStatus = "callable"
	DNCBlocked  DNCStatus = "dnc"
)

// ContactStatus is the retention state. Only a deletion signal moves a
// contact from active to archived.
type ContactStatus string

const (
	StatusActive   ContactStatus = "active"
	StatusArchived ContactStatus = "archived"
)

// RetentionDecision is stored the moment a deletion signal is processed.
type RetentionDecision string

const (
	DecisionNone      RetentionDecision = ""
	DecisionPreserved RetentionDecision = "preserved"
	DecisionArchived  RetentionDecision = "archived"
)

// Contact is the canonical, locally held contact record.
type Contact struct {
	ID                string            `json:"id"`
	ExternalID        string            `json:"external_id,omitempty"`
	Email             string            `json:"email"`
	FirstName         string            `json:"first_name"`
	LastName          string            `json:"last_name"`
	Phone             string            `json:"phone"`
	Company           string            `json:"company"`
	JobTitle          string            `json:"job_title"`
	City              string            `json:"city"`
	State             string            `json:"state"`
	Channel           Channel           `json:"channel"`
	LastIngestedVia   Channel           `json:"last_ingested_via"`
	LifecycleStage    LifecycleStage    `json:"lifecycle_stage"`
	DNCStatus         DNCStatus         `json:"dnc_status"`
	ProtectionTags    []string          `json:"protection_tags"`
	Status            ContactStatus     `json:"status"`
	RemovedUpstream   bool              `json:"removed_upstream"`
	RemovedUpstreamAt *time.Time        `json:"removed_upstream_at,omitempty"`
	RetentionDecision RetentionDecision `json:"retention_decision,omitempty"`
	DecidedAt         *time.Time        `json:"decided_at,omitempty"`
	UpstreamUpdatedAt *time.Time        `json:"upstream_updated_at,omitempty"`
	Custom            map[string]string `json:"custom,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastSyncedAt      time.Time         `json:"last_synced_at"`
}

// Protected reports whether any protection tag is set.
func (c *Contact) Protected() bool {
	return len(c.ProtectionTags) > 0
}

// HasTag reports whether the contact carries tag (case-insensitive).
func (c *Contact) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return slices.Contains(c.ProtectionTags, tag)
}

// NormalizeTags lowercases, trims, dedups and sorts a tag list. The stored
// form is always the output of this function so tag sets compare by value.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// RawRecord is an upstream object before normalization: its id and the
// property bag exactly as the provider returned it.
type RawRecord struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// ContactFilter narrows contact listings.
type ContactFilter struct {
	Status  ContactStatus `json:"status,omitempty"`
	Channel Channel       `json:"channel,omitempty"`
	Email   string        `json:"email,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}
