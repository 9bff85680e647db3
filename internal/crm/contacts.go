package crm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Tags applied to contacts so operators can tell first-time leads from
// returning ones.
const (
	tagNewContact       = "bot_new"
	tagReturningContact = "bot_repeat"
)

// Contact is a CRM contact record.
type Contact struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type contactsEnvelope struct {
	Embedded struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}

// customFieldValue is one value of a CRM custom field.
type customFieldValue struct {
	Value    string `json:"value"`
	EnumCode string `json:"enum_code,omitempty"`
}

// customField addresses a CRM custom field either by id or by well-known code.
type customField struct {
	FieldID   int64              `json:"field_id,omitempty"`
	FieldCode string             `json:"field_code,omitempty"`
	Values    []customFieldValue `json:"values"`
}

type tagRef struct {
	Name string `json:"name"`
}

// FindContactByPhone looks a contact up by normalized phone number. Returns
// nil when no contact matches.
func (c *Client) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	slog.Debug("CRM finding contact by phone", "phone", phone)

	path := fmt.Sprintf("/api/v4/contacts?query=%s&limit=1", url.QueryEscape(phone))
	var envelope contactsEnvelope
	if err := c.request(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, fmt.Errorf("contact lookup failed: %w", err)
	}
	if len(envelope.Embedded.Contacts) == 0 {
		slog.Debug("CRM contact not found", "phone", phone)
		return nil, nil
	}

	contact := envelope.Embedded.Contacts[0]
	slog.Debug("CRM contact found", "phone", phone, "contact_id", contact.ID)
	return &contact, nil
}

// CreateContact creates a contact with the phone number stored under the
// standard PHONE field and a tag marking it as bot-originated.
func (c *Client) CreateContact(ctx context.Context, name, phone string) (*Contact, error) {
	slog.Debug("CRM creating contact", "name", name)

	payload := []map[string]any{{
		"name": name,
		"custom_fields_values": []customField{{
			FieldCode: "PHONE",
			Values:    []customFieldValue{{Value: phone, EnumCode: "MOB"}},
		}},
		"_embedded": map[string]any{
			"tags": []tagRef{{Name: tagNewContact}},
		},
	}}

	var envelope contactsEnvelope
	if err := c.request(ctx, http.MethodPost, "/api/v4/contacts", payload, &envelope); err != nil {
		return nil, fmt.Errorf("contact creation failed: %w", err)
	}
	if len(envelope.Embedded.Contacts) == 0 {
		return nil, fmt.Errorf("contact creation returned no contact")
	}

	contact := envelope.Embedded.Contacts[0]
	slog.Info("CRM contact created", "contact_id", contact.ID, "name", name)
	return &contact, nil
}

// TagContactReturning marks an existing contact as a returning lead. Failures
// are reported but the caller may treat them as non-fatal.
func (c *Client) TagContactReturning(ctx context.Context, contactID int64) error {
	payload := []map[string]any{{
		"id": contactID,
		"_embedded": map[string]any{
			"tags": []tagRef{{Name: tagReturningContact}},
		},
	}}
	if err := c.request(ctx, http.MethodPatch, "/api/v4/contacts", payload, nil); err != nil {
		return fmt.Errorf("contact tag update failed: %w", err)
	}
	slog.Debug("CRM contact tagged as returning", "contact_id", contactID)
	return nil
}
