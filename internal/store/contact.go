package store

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-sync/internal/model"
	"github.com/sells-group/crm-sync/internal/normalize"
)

// contactColumns is the column order used by every contact read and write.
var contactColumns = []string{
	"id", "external_id", "email", "email_key", "first_name", "last_name",
	"phone", "phone_key", "company", "job_title", "city", "state", "channel",
	"last_ingested_via", "lifecycle_stage", "dnc_status", "protection_tags",
	"status", "removed_upstream", "removed_upstream_at", "retention_decision",
	"decided_at", "upstream_updated_at", "custom", "created_at", "last_synced_at",
}

// contactUpsertColumns are overwritten when an upsert hits an existing
// (channel, external_id). Identity, status and retention columns are not.
var contactUpsertColumns = []string{
	"email", "email_key", "first_name", "last_name", "phone", "phone_key", "company",
	"job_title", "city", "state", "last_ingested_via", "lifecycle_stage",
	"dnc_status", "protection_tags", "upstream_updated_at", "custom",
	"last_synced_at",
}

var contactSelect = "SELECT " + strings.Join(contactColumns, ", ") + " FROM contacts"

var contactColumnIndex = func() map[string]int {
	idx := make(map[string]int, len(contactColumns))
	for i, col := range contactColumns {
		idx[col] = i
	}
	return idx
}()

// contactArgs returns c's values in contactColumns order. JSON columns are
// passed as text, which both drivers accept.
func contactArgs(c *model.Contact) ([]any, error) {
	tags := model.NormalizeTags(c.ProtectionTags)
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal protection tags")
	}
	custom := c.Custom
	if custom == nil {
		custom = map[string]string{}
	}
	customJSON, err := json.Marshal(custom)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal custom fields")
	}

	var externalID any
	if c.ExternalID != "" {
		externalID = c.ExternalID
	}

	return []any{
		c.ID, externalID, c.Email, normalize.EmailKey(c.Email), c.FirstName, c.LastName,
		c.Phone, normalize.PhoneKey(c.Phone), c.Company, c.JobTitle, c.City, c.State, string(c.Channel),
		string(c.LastIngestedVia), string(c.LifecycleStage), string(c.DNCStatus), string(tagsJSON),
		string(c.Status), c.RemovedUpstream, c.RemovedUpstreamAt, string(c.RetentionDecision),
		c.DecidedAt, c.UpstreamUpdatedAt, string(customJSON), c.CreatedAt.UTC(), c.LastSyncedAt.UTC(),
	}, nil
}

// contactUpdate renders an UPDATE of c's contactUpsertColumns by id.
// param renders the n'th (1-based) bind parameter for the driver.
func contactUpdate(c *model.Contact, param func(n int) string) (string, []any, error) {
	values, err := contactArgs(c)
	if err != nil {
		return "", nil, err
	}
	sets := make([]string, len(contactUpsertColumns))
	args := make([]any, 0, len(contactUpsertColumns)+1)
	for i, col := range contactUpsertColumns {
		sets[i] = col + " = " + param(i+1)
		args = append(args, values[contactColumnIndex[col]])
	}
	args = append(args, c.ID)
	query := "UPDATE contacts SET " + strings.Join(sets, ", ") + " WHERE id = " + param(len(args))
	return query, args, nil
}

type scannable interface {
	Scan(dest ...any) error
}

// scanContact reads one row in contactColumns order.
func scanContact(row scannable) (*model.Contact, error) {
	var c model.Contact
	var externalID *string
	var emailKey, phoneKey, tagsJSON, customJSON string

	err := row.Scan(
		&c.ID, &externalID, &c.Email, &emailKey, &c.FirstName, &c.LastName,
		&c.Phone, &phoneKey, &c.Company, &c.JobTitle, &c.City, &c.State, &c.Channel,
		&c.LastIngestedVia, &c.LifecycleStage, &c.DNCStatus, &tagsJSON,
		&c.Status, &c.RemovedUpstream, &c.RemovedUpstreamAt, &c.RetentionDecision,
		&c.DecidedAt, &c.UpstreamUpdatedAt, &customJSON, &c.CreatedAt, &c.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		c.ExternalID = *externalID
	}
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &c.ProtectionTags); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal protection tags")
		}
	}
	if len(c.ProtectionTags) == 0 {
		c.ProtectionTags = nil
	}
	if customJSON != "" {
		if err := json.Unmarshal([]byte(customJSON), &c.Custom); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal custom fields")
		}
	}
	if len(c.Custom) == 0 {
		c.Custom = nil
	}
	return &c, nil
}
