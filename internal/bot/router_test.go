package bot

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/carquery/leadbot/internal/flow"
	"github.com/carquery/leadbot/internal/messaging"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

type stubSubmitter struct{ calls int }

func (s *stubSubmitter) Process(ctx context.Context, user models.PlatformUser, service models.ServiceType, data map[string]string) bool {
	s.calls++
	return true
}

type stubClassifier struct {
	calls  int
	result models.AIClassification
}

func (s *stubClassifier) Classify(ctx context.Context, message string) models.AIClassification {
	s.calls++
	return s.result
}

var testUser = models.PlatformUser{PlatformID: "u1", ChatID: "c1", Username: "ivan", FirstName: "Иван"}

func newTestRouter(t *testing.T) (*Router, *messaging.Recorder, *stubClassifier) {
	t.Helper()
	st := store.NewInMemoryStore()
	recorder := messaging.NewRecorder()
	states := flow.NewStoreBasedStateManager(st)
	classifier := &stubClassifier{result: models.AIClassification{Intent: "faq", Confidence: 0.9, Reply: "Вот ответ."}}
	engine := flow.NewEngine(states, recorder, &stubSubmitter{})
	freetext := flow.NewFreetext(states, recorder, classifier, st)
	return NewRouter(recorder, engine, freetext), recorder, classifier
}

func textEvent(text string) Event {
	return Event{Type: EventText, User: testUser, Text: text}
}

func callbackEvent(data string) Event {
	return Event{Type: EventCallback, User: testUser, CallbackID: "cb1", Data: data}
}

func TestStartShowsMainMenu(t *testing.T) {
	router, recorder, _ := newTestRouter(t)

	router.HandleEvent(context.Background(), textEvent("/start"))

	last := recorder.Last()
	if last == nil || !strings.Contains(last.Text, "Добро пожаловать") {
		t.Fatalf("expected welcome message, got %+v", last)
	}
	if len(last.Keyboard) != 3 {
		t.Errorf("expected 3 keyboard rows, got %d", len(last.Keyboard))
	}
}

func TestServiceCallbackStartsDialog(t *testing.T) {
	router, recorder, _ := newTestRouter(t)

	router.HandleEvent(context.Background(), callbackEvent("service:sell"))

	last := recorder.Last()
	if last == nil || !strings.Contains(last.Text, "Укажите марку и модель") {
		t.Fatalf("expected first step prompt, got %+v", last)
	}

	// Plain text now feeds the dialog, not the AI assistant.
	router.HandleEvent(context.Background(), textEvent("Toyota Camry"))
	if !strings.Contains(recorder.Last().Text, "год выпуска") {
		t.Errorf("expected year prompt, got %q", recorder.Last().Text)
	}
}

func TestStartDuringDialogAsksForReset(t *testing.T) {
	router, recorder, _ := newTestRouter(t)
	ctx := context.Background()

	router.HandleEvent(ctx, callbackEvent("service:sell"))
	router.HandleEvent(ctx, textEvent("/start"))

	last := recorder.Last()
	if last == nil || !strings.Contains(last.Text, "незавершённый диалог") {
		t.Fatalf("expected reset warning, got %+v", last)
	}

	// Declining keeps the dialog open.
	router.HandleEvent(ctx, callbackEvent("confirm_reset:no"))
	router.HandleEvent(ctx, textEvent("Toyota Camry"))
	if !strings.Contains(recorder.Last().Text, "год выпуска") {
		t.Errorf("dialog should continue after declining reset, got %q", recorder.Last().Text)
	}

	// Accepting abandons it.
	router.HandleEvent(ctx, textEvent("/start"))
	router.HandleEvent(ctx, callbackEvent("confirm_reset:yes"))
	if !strings.Contains(recorder.Last().Text, "Добро пожаловать") {
		t.Errorf("expected main menu after reset, got %q", recorder.Last().Text)
	}
}

func TestStrayTextGoesToAssistant(t *testing.T) {
	router, recorder, classifier := newTestRouter(t)

	router.HandleEvent(context.Background(), textEvent("Сколько стоит проверка?"))

	if classifier.calls != 1 {
		t.Fatalf("expected 1 classification, got %d", classifier.calls)
	}
	if !strings.Contains(recorder.Last().Text, "Вот ответ.") {
		t.Errorf("expected AI reply, got %q", recorder.Last().Text)
	}
}

func TestNavHomeAbandonsDialog(t *testing.T) {
	router, recorder, classifier := newTestRouter(t)
	ctx := context.Background()

	router.HandleEvent(ctx, callbackEvent("service:sell"))
	router.HandleEvent(ctx, callbackEvent("nav:home"))

	if !strings.Contains(recorder.Last().Text, "Добро пожаловать") {
		t.Fatalf("expected main menu, got %q", recorder.Last().Text)
	}

	// The dialog is gone: plain text goes to the assistant again.
	router.HandleEvent(ctx, textEvent("привет"))
	if classifier.calls != 1 {
		t.Errorf("expected text routed to assistant, classifier calls %d", classifier.calls)
	}
}

func TestSuggestionCallbackStartsPrefilledDialog(t *testing.T) {
	router, recorder, classifier := newTestRouter(t)
	ctx := context.Background()
	classifier.result = models.AIClassification{
		Intent:     "sell",
		Confidence: 0.92,
		Reply:      "Поможем продать.",
		Entities:   map[string]string{"brand": "Toyota Camry"},
	}

	router.HandleEvent(ctx, textEvent("Хочу продать Тойоту"))
	last := recorder.Last()
	found := false
	for _, row := range last.Keyboard {
		for _, b := range row {
			if b.Data == "ai_suggest:sell" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected suggestion button, got %+v", last.Keyboard)
	}

	router.HandleEvent(ctx, callbackEvent("ai_suggest:sell"))
	if !strings.Contains(recorder.Last().Text, "Текущее значение: Toyota Camry") {
		t.Errorf("expected prefilled first step, got %q", recorder.Last().Text)
	}
}

func TestFreetextCallbackEntersAssistant(t *testing.T) {
	router, recorder, _ := newTestRouter(t)

	router.HandleEvent(context.Background(), callbackEvent("service:freetext"))

	if !strings.Contains(recorder.Last().Text, "вопрос") {
		t.Errorf("expected assistant intro, got %q", recorder.Last().Text)
	}
}

func TestStepCallbackRoutedToDialog(t *testing.T) {
	router, recorder, _ := newTestRouter(t)
	ctx := context.Background()

	year := strconv.Itoa(time.Now().Year())
	router.HandleEvent(ctx, callbackEvent("service:sell"))
	router.HandleEvent(ctx, textEvent("Toyota Camry"))
	router.HandleEvent(ctx, callbackEvent("step:year:"+year))

	if !strings.Contains(recorder.Last().Text, "пробег") {
		t.Errorf("expected mileage prompt after year choice, got %q", recorder.Last().Text)
	}
}

func TestUnknownCallbackIgnored(t *testing.T) {
	router, recorder, _ := newTestRouter(t)

	router.HandleEvent(context.Background(), callbackEvent("bogus:payload"))

	if recorder.Last() != nil {
		t.Errorf("unexpected message for unknown callback: %+v", recorder.Last())
	}
}
