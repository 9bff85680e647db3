package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

type leadsEnvelope struct {
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// CreateLead creates a lead in the configured pipeline, linked to the
// contact. Data keys with a configured custom field id are written as custom
// field values; the rest of the data belongs in the lead note.
func (c *Client) CreateLead(ctx context.Context, title string, contactID int64, data map[string]string) (int64, error) {
	slog.Debug("CRM creating lead", "title", title, "contact_id", contactID)

	var customFields []customField
	for key, value := range data {
		if value == "" {
			continue
		}
		if fieldID := c.fields.fieldID(key); fieldID != 0 {
			customFields = append(customFields, customField{
				FieldID: fieldID,
				Values:  []customFieldValue{{Value: value}},
			})
		}
	}

	lead := map[string]any{
		"name":        title,
		"pipeline_id": c.pipelineID,
		"status_id":   c.statusID,
		"_embedded": map[string]any{
			"contacts": []map[string]any{{"id": contactID}},
		},
	}
	if c.responsibleID != 0 {
		lead["responsible_user_id"] = c.responsibleID
	}
	if len(customFields) > 0 {
		lead["custom_fields_values"] = customFields
	}

	var envelope leadsEnvelope
	if err := c.request(ctx, http.MethodPost, "/api/v4/leads", []map[string]any{lead}, &envelope); err != nil {
		return 0, fmt.Errorf("lead creation failed: %w", err)
	}
	if len(envelope.Embedded.Leads) == 0 {
		return 0, fmt.Errorf("lead creation returned no lead")
	}

	leadID := envelope.Embedded.Leads[0].ID
	slog.Info("CRM lead created", "crm_lead_id", leadID, "title", title, "contact_id", contactID)
	return leadID, nil
}
