package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// AddNoteToLead attaches a plain text note to a lead. The note carries the
// full form answers so operators see everything even when a key has no
// dedicated custom field.
func (c *Client) AddNoteToLead(ctx context.Context, leadID int64, text string) error {
	payload := []map[string]any{{
		"note_type": "common",
		"params":    map[string]string{"text": text},
	}}

	path := fmt.Sprintf("/api/v4/leads/%d/notes", leadID)
	if err := c.request(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("note attachment failed: %w", err)
	}

	slog.Debug("CRM note attached", "crm_lead_id", leadID, "length", len(text))
	return nil
}
