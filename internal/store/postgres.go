// Package store provides storage backends for the lead bot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/carquery/leadbot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists all bot state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates or updates a user keyed by platform identity.
// Empty incoming fields do not overwrite previously known values.
func (s *PostgresStore) UpsertUser(u models.User) (models.User, error) {
	now := time.Now().UTC()
	row := s.db.QueryRow(`
		INSERT INTO users (platform_id, username, first_name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (platform_id) DO UPDATE SET
			username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
			first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
			phone = COALESCE(NULLIF(EXCLUDED.phone, ''), users.phone),
			updated_at = EXCLUDED.updated_at
		RETURNING id, platform_id, username, first_name, phone, crm_contact_id, created_at, updated_at`,
		u.PlatformID, nilIfEmpty(u.Username), nilIfEmpty(u.FirstName), nilIfEmpty(u.Phone), now)
	stored, err := scanUser(row.Scan)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "platformID", u.PlatformID)
		return models.User{}, fmt.Errorf("failed to upsert user %s: %w", u.PlatformID, err)
	}
	slog.Debug("PostgresStore UpsertUser succeeded", "platformID", u.PlatformID, "userID", stored.ID)
	return stored, nil
}

// GetUser looks up a user by internal id.
func (s *PostgresStore) GetUser(id int64) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_id, username, first_name, phone, crm_contact_id, created_at, updated_at
		FROM users WHERE id = $1`, id)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to query user %d: %w", id, err)
	}
	return &u, nil
}

// GetUserByPlatformID looks up a user by stable platform identity.
func (s *PostgresStore) GetUserByPlatformID(platformID string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform_id, username, first_name, phone, crm_contact_id, created_at, updated_at
		FROM users WHERE platform_id = $1`, platformID)
	u, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByPlatformID failed", "error", err, "platformID", platformID)
		return nil, fmt.Errorf("failed to query user %s: %w", platformID, err)
	}
	return &u, nil
}

// SetUserCrmContactID caches the CRM contact reference on the user row.
func (s *PostgresStore) SetUserCrmContactID(userID, contactID int64) error {
	_, err := s.db.Exec(`UPDATE users SET crm_contact_id = $1, updated_at = $2 WHERE id = $3`,
		contactID, time.Now().UTC(), userID)
	if err != nil {
		slog.Error("PostgresStore SetUserCrmContactID failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to set contact id for user %d: %w", userID, err)
	}
	return nil
}

// CreateLead inserts a new lead row and returns it with its assigned id.
func (s *PostgresStore) CreateLead(l models.Lead) (models.Lead, error) {
	dataJSON, err := encodeLeadData(l.Data)
	if err != nil {
		return models.Lead{}, err
	}
	if l.Status == "" {
		l.Status = models.LeadStatusDraft
	}
	now := time.Now().UTC()
	row := s.db.QueryRow(`
		INSERT INTO leads (user_id, service_type, data, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id`,
		l.UserID, l.ServiceType, dataJSON, l.Status, now)
	if err := row.Scan(&l.ID); err != nil {
		slog.Error("PostgresStore CreateLead failed", "error", err, "userID", l.UserID)
		return models.Lead{}, fmt.Errorf("failed to insert lead for user %d: %w", l.UserID, err)
	}
	l.CreatedAt = now
	slog.Debug("PostgresStore CreateLead succeeded", "leadID", l.ID, "service", l.ServiceType, "status", l.Status)
	return l, nil
}

// GetLead fetches one lead by id.
func (s *PostgresStore) GetLead(id int64) (*models.Lead, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE id = $1`, id)
	l, err := scanLead(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "leadID", id)
		return nil, fmt.Errorf("failed to query lead %d: %w", id, err)
	}
	return &l, nil
}

// ListLeadsByStatus returns all leads with the given status, oldest first.
func (s *PostgresStore) ListLeadsByStatus(status models.LeadStatus) ([]models.Lead, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		slog.Error("PostgresStore ListLeadsByStatus query failed", "error", err, "status", status)
		return nil, fmt.Errorf("failed to query leads by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// GetRetryableLeads returns error-status leads eligible for another attempt.
func (s *PostgresStore) GetRetryableLeads(maxRetries int) ([]models.Lead, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, service_type, data, status, crm_lead_id, error_message, retry_count, created_at, sent_at
		FROM leads WHERE status = $1 AND retry_count < $2 ORDER BY created_at`,
		models.LeadStatusError, maxRetries)
	if err != nil {
		slog.Error("PostgresStore GetRetryableLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query retryable leads: %w", err)
	}
	defer rows.Close()
	return collectLeads(rows)
}

// IncrementLeadRetry bumps the retry counter durably before a retry attempt.
func (s *PostgresStore) IncrementLeadRetry(leadID int64) error {
	_, err := s.db.Exec(`UPDATE leads SET retry_count = retry_count + 1 WHERE id = $1`, leadID)
	if err != nil {
		slog.Error("PostgresStore IncrementLeadRetry failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to increment retry for lead %d: %w", leadID, err)
	}
	return nil
}

// MarkLeadSent transitions a lead to sent. Leads already sent never regress.
func (s *PostgresStore) MarkLeadSent(leadID, crmLeadID int64) error {
	_, err := s.db.Exec(`
		UPDATE leads SET status = $1, crm_lead_id = $2, error_message = NULL, sent_at = $3
		WHERE id = $4 AND status != $1`,
		models.LeadStatusSent, crmLeadID, time.Now().UTC(), leadID)
	if err != nil {
		slog.Error("PostgresStore MarkLeadSent failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to mark lead %d sent: %w", leadID, err)
	}
	slog.Info("PostgresStore lead marked sent", "leadID", leadID, "crmLeadID", crmLeadID)
	return nil
}

// MarkLeadError transitions a lead to error with the failure message.
// Leads already sent never regress.
func (s *PostgresStore) MarkLeadError(leadID int64, message string) error {
	_, err := s.db.Exec(`
		UPDATE leads SET status = $1, error_message = $2 WHERE id = $3 AND status != $4`,
		models.LeadStatusError, message, leadID, models.LeadStatusSent)
	if err != nil {
		slog.Error("PostgresStore MarkLeadError failed", "error", err, "leadID", leadID)
		return fmt.Errorf("failed to mark lead %d error: %w", leadID, err)
	}
	slog.Debug("PostgresStore lead marked error", "leadID", leadID)
	return nil
}

// SaveCrmToken appends a new token pair; the newest row is current.
func (s *PostgresStore) SaveCrmToken(t models.CrmToken) error {
	_, err := s.db.Exec(`
		INSERT INTO crm_tokens (access_token, refresh_token, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`,
		t.AccessToken, t.RefreshToken, t.ExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SaveCrmToken failed", "error", err)
		return fmt.Errorf("failed to save crm token: %w", err)
	}
	return nil
}

// GetCurrentCrmToken returns the most recently saved token pair, if any.
func (s *PostgresStore) GetCurrentCrmToken() (*models.CrmToken, error) {
	row := s.db.QueryRow(`
		SELECT id, access_token, refresh_token, expires_at, created_at
		FROM crm_tokens ORDER BY id DESC LIMIT 1`)
	var t models.CrmToken
	err := row.Scan(&t.ID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCurrentCrmToken failed", "error", err)
		return nil, fmt.Errorf("failed to query crm token: %w", err)
	}
	return &t, nil
}

// AddAIRequestLog records a classification attempt.
func (s *PostgresStore) AddAIRequestLog(l models.AIRequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO ai_request_logs (user_id, user_message, intent, confidence, model_used, used_fallback, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.UserID, l.UserMessage, nilIfEmpty(l.Intent), l.Confidence, nilIfEmpty(l.ModelUsed), l.UsedFallback, l.LatencyMS, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore AddAIRequestLog failed", "error", err, "userID", l.UserID)
		return fmt.Errorf("failed to insert ai request log: %w", err)
	}
	return nil
}

// GetFlowState retrieves one participant's flow state, or nil if absent.
func (s *PostgresStore) GetFlowState(platformID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(`
		SELECT platform_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE platform_id = $1 AND flow_type = $2`, platformID, flowType)
	var st models.FlowState
	var dataJSON string
	err := row.Scan(&st.PlatformID, &st.FlowType, &st.CurrentState, &dataJSON, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "platformID", platformID, "flowType", flowType)
		return nil, fmt.Errorf("failed to query flow state: %w", err)
	}
	st.StateData, err = decodeStateData(dataJSON)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveFlowState inserts or replaces one participant's flow state.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	dataJSON, err := encodeStateData(state.StateData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO flow_states (platform_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform_id, flow_type) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.PlatformID, state.FlowType, state.CurrentState, dataJSON, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "platformID", state.PlatformID, "flowType", state.FlowType)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// DeleteFlowState removes one participant's flow state.
func (s *PostgresStore) DeleteFlowState(platformID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE platform_id = $1 AND flow_type = $2`, platformID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "platformID", platformID, "flowType", flowType)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}
