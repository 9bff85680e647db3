package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// fakeClassifier returns canned classifications in order, repeating the last.
type fakeClassifier struct {
	results []models.AIClassification
	calls   int
}

func (f *fakeClassifier) Classify(ctx context.Context, message string) models.AIClassification {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

func newTestFreetext(t *testing.T, classifier Classifier) (*Freetext, *messaging.Recorder, *store.InMemoryStore, StateManager) {
	t.Helper()
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	recorder := messaging.NewRecorder()
	return NewFreetext(states, recorder, classifier, st), recorder, st, states
}

func TestFreetextLowConfidenceJustReplies(t *testing.T) {
	classifier := &fakeClassifier{results: []models.AIClassification{
		{Intent: "sell", Confidence: 0.50, Reply: "Расскажите подробнее о машине."},
	}}
	ft, recorder, st, _ := newTestFreetext(t, classifier)
	ctx := context.Background()

	if err := ft.Enter(ctx, testUser); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	mustContain(t, recorder.Last(), "Задайте ваш вопрос")

	if err := ft.HandleMessage(ctx, testUser, "хочу что-то с машиной сделать"); err != nil {
		t.Fatalf("message failed: %v", err)
	}
	last := recorder.Last()
	mustContain(t, last, "Расскажите подробнее")
	for _, row := range last.Keyboard {
		for _, btn := range row {
			if strings.HasPrefix(btn.Data, "ai_suggest:") {
				t.Error("low confidence must not suggest a branch")
			}
		}
	}

	logs := st.AIRequestLogs()
	if len(logs) != 1 || logs[0].Intent != "sell" || logs[0].Confidence != 0.50 {
		t.Errorf("classification not logged: %+v", logs)
	}
}

func TestFreetextHighConfidenceSuggestsBranch(t *testing.T) {
	classifier := &fakeClassifier{results: []models.AIClassification{
		{
			Intent:     "sell",
			Confidence: 0.90,
			Entities:   map[string]string{"brand": "Toyota", "year": "2015", "budget": "800000"},
			Reply:      "Отлично, помогу продать!",
		},
	}}
	ft, recorder, _, states := newTestFreetext(t, classifier)
	ctx := context.Background()

	if err := ft.Enter(ctx, testUser); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := ft.HandleMessage(ctx, testUser, "хочу продать тойоту 2015 года за 800 тысяч"); err != nil {
		t.Fatalf("message failed: %v", err)
	}

	last := recorder.Last()
	mustContain(t, last, "оформлению заявки")
	var suggestData string
	for _, row := range last.Keyboard {
		for _, btn := range row {
			if strings.HasPrefix(btn.Data, "ai_suggest:") {
				suggestData = btn.Data
			}
		}
	}
	if suggestData != "ai_suggest:sell" {
		t.Fatalf("expected sell suggestion, got %q", suggestData)
	}

	if err := ft.AcceptSuggestion(ctx, testUser, models.ServiceSell); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// Prefill must land in the dialog flow under the sell form's step keys.
	dialogData, err := states.GetAllStateData(ctx, testUser.PlatformID, models.FlowTypeDialog)
	if err != nil {
		t.Fatalf("failed to read dialog data: %v", err)
	}
	if dialogData["car_brand"] != "Toyota" || dialogData["year"] != "2015" || dialogData["price"] != "800000" {
		t.Errorf("unexpected prefill: %v", dialogData)
	}

	// The free-text conversation is over.
	active, err := ft.Active(ctx, testUser.PlatformID)
	if err != nil || active {
		t.Fatalf("freetext should be closed, active=%v err=%v", active, err)
	}
}

func TestFreetextConfidenceAtThresholdSuggestsBranch(t *testing.T) {
	classifier := &fakeClassifier{results: []models.AIClassification{
		{Intent: "check", Confidence: HighConfidenceThreshold, Reply: "Поможем с проверкой."},
	}}
	ft, recorder, _, _ := newTestFreetext(t, classifier)
	ctx := context.Background()

	if err := ft.Enter(ctx, testUser); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := ft.HandleMessage(ctx, testUser, "хочу проверить машину перед покупкой"); err != nil {
		t.Fatalf("message failed: %v", err)
	}

	// Exactly at the threshold still counts as trustworthy.
	var suggestData string
	for _, row := range recorder.Last().Keyboard {
		for _, btn := range row {
			if strings.HasPrefix(btn.Data, "ai_suggest:") {
				suggestData = btn.Data
			}
		}
	}
	if suggestData != "ai_suggest:check" {
		t.Fatalf("expected check suggestion at threshold confidence, got %q", suggestData)
	}
}

func TestFreetextFaqIntentNeverSuggests(t *testing.T) {
	classifier := &fakeClassifier{results: []models.AIClassification{
		{Intent: "faq", Confidence: 0.95, Reply: "Мы работаем ежедневно с 9 до 21."},
	}}
	ft, recorder, _, _ := newTestFreetext(t, classifier)
	ctx := context.Background()

	if err := ft.Enter(ctx, testUser); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if err := ft.HandleMessage(ctx, testUser, "какой у вас график работы?"); err != nil {
		t.Fatalf("message failed: %v", err)
	}
	last := recorder.Last()
	mustContain(t, last, "Мы работаем ежедневно")
	for _, row := range last.Keyboard {
		for _, btn := range row {
			if strings.HasPrefix(btn.Data, "ai_suggest:") {
				t.Error("faq intent must not suggest a branch")
			}
		}
	}
}

func TestFreetextEscalatesAfterTurnBudget(t *testing.T) {
	classifier := &fakeClassifier{results: []models.AIClassification{
		{Intent: "unknown", Confidence: 0.20, Reply: "Уточните, пожалуйста."},
	}}
	ft, recorder, _, _ := newTestFreetext(t, classifier)
	ctx := context.Background()

	if err := ft.Enter(ctx, testUser); err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	for i := 0; i < MaxAITurns-1; i++ {
		if err := ft.HandleMessage(ctx, testUser, "ммм"); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
		if strings.Contains(recorder.Last().Text, "участия специалиста") {
			t.Fatalf("escalated too early on turn %d", i+1)
		}
	}

	// The final budgeted turn still answers but hands over to a human.
	if err := ft.HandleMessage(ctx, testUser, "ммм"); err != nil {
		t.Fatalf("final message failed: %v", err)
	}
	last := recorder.Last()
	mustContain(t, last, "Уточните, пожалуйста.")
	mustContain(t, last, "участия специалиста")

	active, err := ft.Active(ctx, testUser.PlatformID)
	if err != nil || active {
		t.Fatalf("freetext should be closed after escalation, active=%v err=%v", active, err)
	}
	if classifier.calls != MaxAITurns {
		t.Errorf("expected %d classification calls, got %d", MaxAITurns, classifier.calls)
	}
}
