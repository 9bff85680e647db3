package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// Free-text flow limits.
const (
	// MaxAITurns bounds how many messages the AI answers before a human
	// takes over.
	MaxAITurns = 3
	// HighConfidenceThreshold is the minimum confidence for suggesting a
	// form branch.
	HighConfidenceThreshold = 0.70
)

// Free-text flow texts.
const (
	freetextEntryText = "Задайте ваш вопрос, и я постараюсь помочь:"

	escalationText = "Похоже, ваш вопрос требует участия специалиста.\n" +
		"Давайте я соединю вас с менеджером — он свяжется с вами " +
		"в ближайшее время.\n\n" +
		"Или выберите услугу из меню:"

	fallbackReplyText = "Не совсем понял ваш вопрос. Попробуйте уточнить."
)

// Classifier detects the intent of a free-text message.
type Classifier interface {
	Classify(ctx context.Context, message string) models.AIClassification
}

// Freetext is the AI-assisted flow that answers open questions and routes
// users into a form branch when an intent is recognized with high confidence.
type Freetext struct {
	states         StateManager
	msgr           messaging.Service
	classifier     Classifier
	store          store.Store
	forms          map[models.ServiceType]*Form
	maxTurns       int
	highConfidence float64
}

// NewFreetext creates the free-text flow handler.
func NewFreetext(states StateManager, msgr messaging.Service, classifier Classifier, st store.Store) *Freetext {
	return &Freetext{
		states:         states,
		msgr:           msgr,
		classifier:     classifier,
		store:          st,
		forms:          Forms(),
		maxTurns:       MaxAITurns,
		highConfidence: HighConfidenceThreshold,
	}
}

// Active reports whether the participant is in the free-text flow.
func (f *Freetext) Active(ctx context.Context, platformID string) (bool, error) {
	state, err := f.states.GetCurrentState(ctx, platformID, models.FlowTypeFreetext)
	if err != nil {
		return false, err
	}
	return state != "", nil
}

// Reset abandons the free-text conversation.
func (f *Freetext) Reset(ctx context.Context, platformID string) error {
	return f.states.ResetState(ctx, platformID, models.FlowTypeFreetext)
}

// Enter starts the free-text conversation with a fresh turn budget.
func (f *Freetext) Enter(ctx context.Context, user models.PlatformUser) error {
	if err := f.states.ResetState(ctx, user.PlatformID, models.FlowTypeFreetext); err != nil {
		return err
	}
	if err := f.states.SetCurrentState(ctx, user.PlatformID, models.FlowTypeFreetext, models.StateFreetextChatting); err != nil {
		return err
	}
	if err := f.states.SetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAITurnCount, "0"); err != nil {
		return err
	}
	return f.msgr.SendText(ctx, user.ChatID, freetextEntryText, f.menuRowKeyboard())
}

// HandleMessage classifies one user message and either answers it, suggests
// a form branch, or escalates to a human after the turn budget is spent.
func (f *Freetext) HandleMessage(ctx context.Context, user models.PlatformUser, text string) error {
	countRaw, err := f.states.GetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAITurnCount)
	if err != nil {
		return err
	}
	count, _ := strconv.Atoi(countRaw)

	if count >= f.maxTurns {
		if err := f.states.ResetState(ctx, user.PlatformID, models.FlowTypeFreetext); err != nil {
			return err
		}
		return f.msgr.SendText(ctx, user.ChatID, escalationText, MainMenuKeyboard())
	}

	count++
	if err := f.states.SetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAITurnCount, strconv.Itoa(count)); err != nil {
		return err
	}

	start := time.Now()
	result := f.classifier.Classify(ctx, text)
	latency := time.Since(start)
	slog.Info("AI classification",
		"platformID", user.PlatformID, "intent", result.Intent, "confidence", result.Confidence,
		"model", result.ModelUsed, "fallback", result.UsedFallback, "latency_ms", latency.Milliseconds())

	f.logRequest(user, text, result, latency)

	if form := f.suggestedForm(result); form != nil {
		return f.suggestBranch(ctx, user, form, result)
	}

	reply := result.Reply
	if reply == "" {
		reply = fallbackReplyText
	}

	if count >= f.maxTurns {
		// The budget is spent; hand over to a human.
		if err := f.states.ResetState(ctx, user.PlatformID, models.FlowTypeFreetext); err != nil {
			return err
		}
		return f.msgr.SendText(ctx, user.ChatID, reply+"\n\n"+escalationText, MainMenuKeyboard())
	}
	return f.msgr.SendText(ctx, user.ChatID, reply, f.menuRowKeyboard())
}

// suggestedForm returns the form to suggest for a classification, or nil.
func (f *Freetext) suggestedForm(result models.AIClassification) *Form {
	if !result.HasIntent() || result.Confidence < f.highConfidence {
		return nil
	}
	return f.forms[models.ServiceType(result.Intent)]
}

// suggestBranch stores extracted entities for prefill and offers the branch.
func (f *Freetext) suggestBranch(ctx context.Context, user models.PlatformUser, form *Form, result models.AIClassification) error {
	prefill := make(map[string]string)
	for entityKey, stepKey := range form.EntityPrefill {
		if value := result.Entities[entityKey]; value != "" {
			prefill[stepKey] = value
		}
	}
	encoded, err := json.Marshal(prefill)
	if err != nil {
		return fmt.Errorf("failed to encode prefill data: %w", err)
	}
	if err := f.states.SetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAIPrefill, string(encoded)); err != nil {
		return err
	}
	if err := f.states.SetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAIService, string(form.Service)); err != nil {
		return err
	}

	reply := result.Reply
	if reply == "" {
		reply = "Я понял ваш запрос."
	}
	reply += "\n\nМогу предложить перейти к оформлению заявки:"

	keyboard := messaging.Keyboard{
		messaging.Row(messaging.Button{
			Label: "Перейти: " + models.ServiceTypeLabels[form.Service],
			Data:  "ai_suggest:" + string(form.Service),
		}),
		messaging.Row(messaging.Button{Label: "В меню", Data: "nav:home"}),
	}
	return f.msgr.SendText(ctx, user.ChatID, reply, keyboard)
}

// AcceptSuggestion moves the stored prefill into the dialog flow state and
// closes the free-text conversation. The caller then starts the dialog.
func (f *Freetext) AcceptSuggestion(ctx context.Context, user models.PlatformUser, service models.ServiceType) error {
	encoded, err := f.states.GetStateData(ctx, user.PlatformID, models.FlowTypeFreetext, models.DataKeyAIPrefill)
	if err != nil {
		return err
	}
	prefill := make(map[string]string)
	if encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &prefill); err != nil {
			slog.Warn("Invalid prefill data discarded", "error", err, "platformID", user.PlatformID)
			prefill = nil
		}
	}

	if err := f.states.ResetState(ctx, user.PlatformID, models.FlowTypeFreetext); err != nil {
		return err
	}
	for stepKey, value := range prefill {
		if err := f.states.SetStateData(ctx, user.PlatformID, models.FlowTypeDialog, models.DataKey(stepKey), value); err != nil {
			return err
		}
	}
	slog.Info("AI suggestion accepted", "platformID", user.PlatformID, "service", service, "prefill_keys", len(prefill))
	return nil
}

// logRequest records a classification attempt. Failures only log a warning;
// analytics never interrupt a conversation.
func (f *Freetext) logRequest(user models.PlatformUser, text string, result models.AIClassification, latency time.Duration) {
	dbUser, err := f.store.UpsertUser(models.User{
		PlatformID: user.PlatformID,
		Username:   user.Username,
		FirstName:  user.FirstName,
	})
	if err != nil {
		slog.Warn("Failed to upsert user for AI request log", "error", err, "platformID", user.PlatformID)
		return
	}
	if err := f.store.AddAIRequestLog(models.AIRequestLog{
		UserID:       dbUser.ID,
		UserMessage:  text,
		Intent:       result.Intent,
		Confidence:   result.Confidence,
		ModelUsed:    result.ModelUsed,
		UsedFallback: result.UsedFallback,
		LatencyMS:    latency.Milliseconds(),
	}); err != nil {
		slog.Warn("Failed to store AI request log", "error", err, "platformID", user.PlatformID)
	}
}

func (f *Freetext) menuRowKeyboard() messaging.Keyboard {
	return messaging.Keyboard{
		messaging.Row(messaging.Button{Label: "В меню", Data: "nav:home"}),
	}
}
