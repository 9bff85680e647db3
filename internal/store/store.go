// Package store provides storage backends for the lead bot.
//
// It includes an in-memory store for tests and SQLite / PostgreSQL backed
// stores for production. All backends apply their schema migrations on open.
package store

import "github.com/carquery/leadbot/internal/models"

// Store is the durable persistence surface shared by the dialog engine, the
// classifier bridge and the lead submission pipeline.
type Store interface {
	// Users
	UpsertUser(u models.User) (models.User, error)
	GetUser(id int64) (*models.User, error)
	GetUserByPlatformID(platformID string) (*models.User, error)
	SetUserCrmContactID(userID, contactID int64) error

	// Leads
	CreateLead(l models.Lead) (models.Lead, error)
	GetLead(id int64) (*models.Lead, error)
	ListLeadsByStatus(status models.LeadStatus) ([]models.Lead, error)
	// GetRetryableLeads returns error-status leads with retry_count below the
	// ceiling, oldest first.
	GetRetryableLeads(maxRetries int) ([]models.Lead, error)
	IncrementLeadRetry(leadID int64) error
	// MarkLeadSent records the CRM lead id and sent timestamp. A lead already
	// in sent status is left untouched.
	MarkLeadSent(leadID, crmLeadID int64) error
	// MarkLeadError records the failure message. A lead already in sent
	// status is left untouched.
	MarkLeadError(leadID int64, message string) error

	// CRM tokens
	SaveCrmToken(t models.CrmToken) error
	GetCurrentCrmToken() (*models.CrmToken, error)

	// AI request logs
	AddAIRequestLog(l models.AIRequestLog) error

	// Flow state
	GetFlowState(platformID, flowType string) (*models.FlowState, error)
	SaveFlowState(state models.FlowState) error
	DeleteFlowState(platformID, flowType string) error

	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the store DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the store DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
