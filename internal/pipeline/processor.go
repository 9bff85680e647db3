// Package pipeline implements the lead submission pipeline: completed forms
// become durable lead records that are delivered to the CRM, with failed
// deliveries retried by a background sweep.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carquery/leadbot/internal/crm"
	"github.com/carquery/leadbot/internal/flow"
	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// DefaultMaxRetries is how many delivery retries a lead gets before the sweep
// stops picking it up.
const DefaultMaxRetries = 5

// CRM is the subset of the CRM client the pipeline depends on.
type CRM interface {
	FindContactByPhone(ctx context.Context, phone string) (*crm.Contact, error)
	CreateContact(ctx context.Context, name, phone string) (*crm.Contact, error)
	TagContactReturning(ctx context.Context, contactID int64) error
	CreateLead(ctx context.Context, title string, contactID int64, data map[string]string) (int64, error)
	AddNoteToLead(ctx context.Context, leadID int64, text string) error
}

// Opts holds configuration for the processor.
type Opts struct {
	OperatorChatID string
	MaxRetries     int
}

// Option configures processor construction.
type Option func(*Opts)

// WithOperatorChat sets the chat notified about delivery failures.
func WithOperatorChat(chatID string) Option {
	return func(o *Opts) { o.OperatorChatID = chatID }
}

// WithMaxRetries sets the retry ceiling for failed leads.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// Processor turns completed forms into CRM leads. The lead row is persisted
// before any external call, so a CRM outage never loses a request.
type Processor struct {
	store          store.Store
	crm            CRM
	msgr           messaging.Service
	operatorChatID string
	maxRetries     int
}

// NewProcessor creates a lead processor.
func NewProcessor(st store.Store, crmClient CRM, msgr messaging.Service, opts ...Option) *Processor {
	cfg := Opts{MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		store:          st,
		crm:            crmClient,
		msgr:           msgr,
		operatorChatID: cfg.OperatorChatID,
		maxRetries:     cfg.MaxRetries,
	}
}

// Process persists a completed form and delivers it to the CRM. It reports
// whether the lead reached the CRM immediately; a false return still means
// the lead is stored and queued for retry.
func (p *Processor) Process(ctx context.Context, user models.PlatformUser, service models.ServiceType, data map[string]string) bool {
	slog.Debug("Pipeline processing lead", "platformID", user.PlatformID, "service", service)

	dbUser, err := p.store.UpsertUser(models.User{
		PlatformID: user.PlatformID,
		Username:   user.Username,
		FirstName:  user.FirstName,
		Phone:      data["phone"],
	})
	if err != nil {
		slog.Error("Pipeline failed to upsert user", "error", err, "platformID", user.PlatformID)
		return false
	}

	leadData := make(map[string]any, len(data))
	for k, v := range data {
		leadData[k] = v
	}
	lead, err := p.store.CreateLead(models.Lead{
		UserID:      dbUser.ID,
		ServiceType: service,
		Data:        leadData,
		Status:      models.LeadStatusPending,
	})
	if err != nil {
		slog.Error("Pipeline failed to persist lead", "error", err, "platformID", user.PlatformID, "service", service)
		return false
	}

	crmLeadID, err := p.deliver(ctx, dbUser, user, service, data)
	if err != nil {
		slog.Error("Pipeline delivery failed", "error", err, "leadID", lead.ID, "service", service)
		if markErr := p.store.MarkLeadError(lead.ID, err.Error()); markErr != nil {
			slog.Error("Pipeline failed to mark lead error", "error", markErr, "leadID", lead.ID)
		}
		p.notifyOperator(ctx, fmt.Sprintf("Ошибка отправки лида #%d в CRM:\n%v", lead.ID, err))
		return false
	}

	if err := p.store.MarkLeadSent(lead.ID, crmLeadID); err != nil {
		slog.Error("Pipeline failed to mark lead sent", "error", err, "leadID", lead.ID)
	}
	slog.Info("Pipeline lead sent", "leadID", lead.ID, "crm_lead_id", crmLeadID, "service", service, "platformID", user.PlatformID)
	return true
}

// deliver runs the CRM side of the pipeline: find or create the contact,
// create the lead, attach the note.
func (p *Processor) deliver(ctx context.Context, dbUser models.User, user models.PlatformUser, service models.ServiceType, data map[string]string) (int64, error) {
	name := data["name"]
	if name == "" {
		name = user.FirstName
	}

	contactID, err := p.findOrCreateContact(ctx, name, data["phone"])
	if err != nil {
		return 0, err
	}
	if err := p.store.SetUserCrmContactID(dbUser.ID, contactID); err != nil {
		slog.Warn("Pipeline failed to cache contact id", "error", err, "userID", dbUser.ID)
	}

	title := flow.FormatLeadTitle(service, data)
	crmLeadID, err := p.crm.CreateLead(ctx, title, contactID, data)
	if err != nil {
		return 0, err
	}

	note := flow.FormatLeadNote(service, data, user)
	if err := p.crm.AddNoteToLead(ctx, crmLeadID, note); err != nil {
		return 0, err
	}
	return crmLeadID, nil
}

// findOrCreateContact resolves the CRM contact for a phone number. Existing
// contacts are tagged as returning; tagging failures are not fatal.
func (p *Processor) findOrCreateContact(ctx context.Context, name, phone string) (int64, error) {
	if phone != "" {
		existing, err := p.crm.FindContactByPhone(ctx, phone)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if err := p.crm.TagContactReturning(ctx, existing.ID); err != nil {
				slog.Warn("Pipeline failed to tag returning contact", "error", err, "contact_id", existing.ID)
			}
			return existing.ID, nil
		}
	}

	created, err := p.crm.CreateContact(ctx, name, phone)
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// notifyOperator sends a failure notification to the operator chat, if one is
// configured. Best effort.
func (p *Processor) notifyOperator(ctx context.Context, text string) {
	if p.operatorChatID == "" {
		slog.Warn("Operator chat not configured, skipping notification")
		return
	}
	if err := p.msgr.SendText(ctx, p.operatorChatID, text, nil); err != nil {
		slog.Error("Failed to notify operator", "error", err)
	}
}
