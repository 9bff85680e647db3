package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/carquery/leadbot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// DetectDSNType classifies a DSN string as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// scanUser scans a User from a row-like scanner.
func scanUser(scan func(dest ...any) error) (models.User, error) {
	var u models.User
	var username, firstName, phone sql.NullString
	var contactID sql.NullInt64
	err := scan(&u.ID, &u.PlatformID, &username, &firstName, &phone, &contactID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return u, err
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.Phone = phone.String
	u.CrmContactID = contactID.Int64
	return u, nil
}

// scanLead scans a Lead from a row-like scanner, decoding the JSON data column.
func scanLead(scan func(dest ...any) error) (models.Lead, error) {
	var l models.Lead
	var dataJSON string
	var crmLeadID sql.NullInt64
	var errMsg sql.NullString
	var sentAt sql.NullTime
	err := scan(&l.ID, &l.UserID, &l.ServiceType, &dataJSON, &l.Status, &crmLeadID, &errMsg, &l.RetryCount, &l.CreatedAt, &sentAt)
	if err != nil {
		return l, err
	}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &l.Data); err != nil {
			return l, fmt.Errorf("failed to decode lead data: %w", err)
		}
	}
	l.CrmLeadID = crmLeadID.Int64
	l.ErrorMessage = errMsg.String
	if sentAt.Valid {
		t := sentAt.Time
		l.SentAt = &t
	}
	return l, nil
}

// encodeLeadData serializes the lead data map for storage.
func encodeLeadData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode lead data: %w", err)
	}
	return string(b), nil
}

// encodeStateData serializes flow state data for storage.
func encodeStateData(data map[models.DataKey]string) (string, error) {
	if data == nil {
		data = map[models.DataKey]string{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode state data: %w", err)
	}
	return string(b), nil
}

// decodeStateData deserializes flow state data from storage.
func decodeStateData(raw string) (map[models.DataKey]string, error) {
	data := make(map[models.DataKey]string)
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode state data: %w", err)
	}
	return data, nil
}
