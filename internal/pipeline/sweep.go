package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carquery/leadbot/internal/models"
)

// RetryFailed re-delivers error-status leads, oldest first, and returns how
// many reached the CRM. Every picked lead consumes one retry whether or not
// the delivery succeeds; leads at the retry ceiling are left alone.
func (p *Processor) RetryFailed(ctx context.Context) int {
	leads, err := p.store.GetRetryableLeads(p.maxRetries)
	if err != nil {
		slog.Error("Retry sweep failed to list leads", "error", err)
		return 0
	}
	if len(leads) == 0 {
		return 0
	}
	slog.Info("Retry sweep started", "leads", len(leads))

	retried := 0
	for _, lead := range leads {
		if err := p.store.IncrementLeadRetry(lead.ID); err != nil {
			slog.Error("Retry sweep failed to count attempt", "error", err, "leadID", lead.ID)
			continue
		}
		if err := p.retryOne(ctx, lead); err != nil {
			slog.Error("Retry sweep delivery failed", "error", err, "leadID", lead.ID, "retry", lead.RetryCount+1)
			if markErr := p.store.MarkLeadError(lead.ID, err.Error()); markErr != nil {
				slog.Error("Retry sweep failed to mark lead error", "error", markErr, "leadID", lead.ID)
			}
			continue
		}
		retried++
	}

	slog.Info("Retry sweep finished", "retried", retried, "total", len(leads))
	return retried
}

func (p *Processor) retryOne(ctx context.Context, lead models.Lead) error {
	dbUser, err := p.store.GetUser(lead.UserID)
	if err != nil {
		return err
	}
	if dbUser == nil {
		return fmt.Errorf("lead %d references missing user %d", lead.ID, lead.UserID)
	}
	user := models.PlatformUser{
		PlatformID: dbUser.PlatformID,
		ChatID:     dbUser.PlatformID,
		Username:   dbUser.Username,
		FirstName:  dbUser.FirstName,
	}

	data := make(map[string]string, len(lead.Data))
	for k, v := range lead.Data {
		if s, ok := v.(string); ok {
			data[k] = s
		} else {
			data[k] = fmt.Sprint(v)
		}
	}

	crmLeadID, err := p.deliver(ctx, *dbUser, user, lead.ServiceType, data)
	if err != nil {
		return err
	}
	if err := p.store.MarkLeadSent(lead.ID, crmLeadID); err != nil {
		slog.Error("Retry sweep failed to mark lead sent", "error", err, "leadID", lead.ID)
	}
	slog.Info("Retry sweep lead sent", "leadID", lead.ID, "crm_lead_id", crmLeadID)
	return nil
}
