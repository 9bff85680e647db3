// Package store provides storage backends for the lead bot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/carquery/leadbot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists all bot state in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates or updates a user keyed by platform identity.
// Empty incoming fields do not overwrite previously known values.
func (s *SQLiteStore) UpsertUser(u models.User) (models.User, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO users (platform_id, username, first_name, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_id) DO UPDATE SET
			username = COALESCE(NULLIF(excluded.username, ''), users.username),
			first_name = COALESCE(NULLIF(excluded.first_name, ''), users.first_name),
			phone = COALESCE(NULLIF(excluded.phone, ''), users.phone),
			updated_at = excluded.updated_at`,
		u.PlatformID, nilIfEmpty(u.Username), nilIfEmpty(u.FirstName), nilIfEmpty(u.Phone), now, now)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "platformID", u.PlatformID)
		return models.User{}, fmt.Errorf("failed to upsert user %s: %w", u.PlatformID, err)
	}
	stored, err := s.GetUserByPlatformID(u.PlatformID)
	if err != nil {
		return models.User{}, err
	}
	slog.Debug("SQLiteStore UpsertUser succeeded", "platformID", u.PlatformID, "userID", stored.ID)
	return *stored, nil
}

// GetUser looks up a user by internal id.
func (s *SQLiteStore) GetUser(id int64) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_id, username, first_name, phone, crm_contact_id, created_at, updated_at
		FROM users WHERE id = ?`, id)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return &u, nil
}

// GetUserByPlatformID looks up a user by stable platform identity.
func (s *SQLiteStore) GetUserByPlatformID(platformID string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_id, username, first_name, phone, crm_contact_id, created_at, updated_at
		FROM users WHERE platform_id = ?`, platformID)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByPlatformID failed", "error", err, "platformID", platformID)
		return nil, fmt.Errorf("failed to query user %s: %w", platformID, err)
	}
	return &u, nil
}

// SetUserCrmContactID caches the CRM contact reference on the user row.
func (s *SQLiteStore) SetUserCrmContactID(userID, contactID int64) error {
	_, err := s.db.Exec(`UPDATE users SET crm_contact_id = ?, updated_at = ? WHERE id = ?`,
		contactID, time.Now().UTC(), userID)
	if err != nil {
		slog.Error("SQLiteStore SetUserCrmContactID failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to set contact id for user %d: %w", userID, err)
	}
	return nil
}

// CreateLead inserts a new lead row and returns it with its assigned id.
func (s *SQLiteStore) CreateLead(l models.Lead) (models.Lead, error) {
	dataJSON, err := encodeLeadData(l.Data)
	if err != nil {
		return models.Lead{}, err
	}
	if l.Status == "" {
		l.Status = models.LeadStatusDraft
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO leads (user_id, service_type, data, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		l.UserID, l.ServiceType, dataJSON, l.Status, now)
	if err != nil {
		slog.Error("SQLiteStore CreateLead failed", "error", err, "userID", l.UserID)
		return models.Lead{}, fmt.Errorf("failed to insert lead for user %d: %w", l.UserID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Lead{}, fmt.Errorf("failed to get lead id: %w", err)
	}
	l.ID = id
	l.CreatedAt = now
	slog.Debug("SQLiteStore CreateLead succeeded", "leadID", id, "service", l.ServiceType, "status", l.Status)
	return l, nil
}

// GetLead fetches one lead by id.
func (s *SQLiteStore) GetLead(id int64) (*models.Lead, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE id = ?`, id)
	l, err := scanLead(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "leadID", id)
		return nil, fmt.Errorf("failed to query lead %d: %w", id, err)
	}
	return &l, nil
}

// ListLeadsByStatus returns all leads with the given status, oldest first.
func (s *SQLiteStore) ListLeadsByStatus(status models.LeadStatus) ([]models.Lead, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		slog.Error("SQLiteStore ListLeadsByStatus query failed", "error", err, "status", status)
		return nil, fmt.Errorf("failed to query leads by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// GetRetryableLeads returns error-status leads eligible for another attempt.
func (s *SQLiteStore) GetRetryableLeads(maxRetries int) ([]models.Lead, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE status = ? AND retry_count < ? ORDER BY created_at`,
		models.LeadStatusError, maxRetries)
	if err != nil {
		slog.Error("SQLiteStore GetRetryableLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query retryable leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// IncrementLeadRetry bumps the retry counter durably before a retry attempt.
func (s *SQLiteStore) IncrementLeadRetry(leadID int64) error {
	_, err := s.db.Exec(`UPDATE leads SET retry_count = retry_count + 1 WHERE id = ?`, leadID)
	if err != nil {
		slog.Error("SQLiteStore IncrementLeadRetry failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to increment retry for lead %d: %w", leadID, err)
	}
	return nil
}

// MarkLeadSent transitions a lead to sent. Leads already sent never regress.
func (s *SQLiteStore) MarkLeadSent(leadID, crmLeadID int64) error {
	_, err := s.db.Exec(`
		UPDATE leads SET status = ?, crm_lead_id = ?, error_message = NULL, sent_at = ?
		WHERE id = ? AND status != ?`,
		models.LeadStatusSent, crmLeadID, time.Now().UTC(), leadID, models.LeadStatusSent)
	if err != nil {
		slog.Error("SQLiteStore MarkLeadSent failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to mark lead %d sent: %w", leadID, err)
	}
	slog.Info("SQLiteStore lead marked sent", "leadID", leadID, "crmLeadID", crmLeadID)
	return nil
}

// MarkLeadError transitions a lead to error with the failure message.
// Leads already sent never regress.
func (s *SQLiteStore) MarkLeadError(leadID int64, message string) error {
	_, err := s.db.Exec(`
		UPDATE leads SET status = ?, error_message = ? WHERE id = ? AND status != ?`,
		models.LeadStatusError, message, leadID, models.LeadStatusSent)
	if err != nil {
		slog.Error("SQLiteStore MarkLeadError failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to mark lead %d error: %w", leadID, err)
	}
	slog.Debug("SQLiteStore lead marked error", "leadID", leadID)
	return nil
}

// SaveCrmToken appends a new token pair; the newest row is current.
func (s *SQLiteStore) SaveCrmToken(t models.CrmToken) error {
	_, err := s.db.Exec(`
		INSERT INTO crm_tokens (access_token, refresh_token, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		t.AccessToken, t.RefreshToken, t.ExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveCrmToken failed", "error", err)
		return fmt.Errorf("failed to save crm token: %w", err)
	}
	return nil
}

// GetCurrentCrmToken returns the most recently saved token pair, if any.
func (s *SQLiteStore) GetCurrentCrmToken() (*models.CrmToken, error) {
	row := s.db.QueryRow(`
		SELECT id, access_token, refresh_token, expires_at, created_at
		FROM crm_tokens ORDER BY id DESC LIMIT 1`)
	var t models.CrmToken
	err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCurrentCrmToken failed", "error", err)
		return nil, fmt.Errorf("failed to query crm token: %w", err)
	}
	return &t, nil
}

// AddAIRequestLog records a classification attempt.
func (s *SQLiteStore) AddAIRequestLog(l models.AIRequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO ai_request_logs (user_id, user_message, intent, confidence, model_used, used_fallback, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.UserID, l.UserMessage, nilIfEmpty(l.Intent), l.Confidence, nilIfEmpty(l.ModelUsed), l.UsedFallback, l.LatencyMS, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore AddAIRequestLog failed", "error", err, "userID", l.UserID)
		return fmt.Errorf("failed to insert ai request log: %w", err)
	}
	return nil
}

// GetFlowState retrieves one participant's flow state, or nil if absent.
func (s *SQLiteStore) GetFlowState(platformID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(`
		SELECT platform_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE platform_id = ? AND flow_type = ?`, platformID, flowType)
	var st models.FlowState
	var dataJSON string
	err := row.Scan(&st.PlatformID, &st.FlowType, &st.CurrentState, &dataJSON, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "platformID", platformID, "flowType", flowType)
		return nil, fmt.Errorf("failed to query flow state: %w", err)
	}
	st.StateData, err = decodeStateData(dataJSON)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveFlowState inserts or replaces one participant's flow state.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	dataJSON, err := encodeStateData(state.StateData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flow_states (platform_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_id, flow_type) DO UPDATE SET
			current_state = excluded.current_state,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at`,
		state.PlatformID, state.FlowType, state.CurrentState, dataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "platformID", state.PlatformID, "flowType", state.FlowType)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// DeleteFlowState removes one participant's flow state.
func (s *SQLiteStore) DeleteFlowState(platformID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE platform_id = ? AND flow_type = ?`, platformID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "platformID", platformID, "flowType", flowType)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// collectLeads drains a leads result set.
func collectLeads(rows *sql.Rows) ([]models.Lead, error) {
	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}
