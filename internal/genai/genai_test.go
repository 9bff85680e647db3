package genai

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// fakeCompleter returns queued responses in order and records the models asked for.
type fakeCompleter struct {
	responses []string
	errs      []error
	models    []string
	prompts   []string
}

func (f *fakeCompleter) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	call := len(f.models)
	f.models = append(f.models, string(body.Model))
	for _, msg := range body.Messages {
		if msg.OfUser != nil {
			f.prompts = append(f.prompts, msg.OfUser.Content.OfString.Value)
		}
	}
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	content := "{}"
	if call < len(f.responses) {
		content = f.responses[call]
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}, nil
}

func newTestClient(fake *fakeCompleter) *Client {
	return &Client{
		chat:              fake,
		model:             "primary-model",
		fallbackModel:     "fallback-model",
		fallbackThreshold: DefaultFallbackThreshold,
	}
}

func TestClassifyHighConfidenceSkipsFallback(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"intent": "sell", "confidence": 0.92, "entities": {"brand": "Toyota", "year": 2015}, "reply": "ok"}`,
	}}
	c := newTestClient(fake)

	result := c.Classify(context.Background(), "хочу продать тойоту 2015 года")

	if result.Intent != "sell" || result.Confidence != 0.92 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.UsedFallback {
		t.Error("high-confidence result should not use fallback")
	}
	if result.ModelUsed != "primary-model" {
		t.Errorf("expected primary model, got %s", result.ModelUsed)
	}
	if result.Entities["brand"] != "Toyota" || result.Entities["year"] != "2015" {
		t.Errorf("entities not extracted: %v", result.Entities)
	}
	if len(fake.models) != 1 {
		t.Errorf("expected 1 call, got %d", len(fake.models))
	}
}

func TestClassifyLowConfidenceUsesFallback(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"intent": "sell", "confidence": 0.40, "entities": {}, "reply": ""}`,
		`{"intent": "buy", "confidence": 0.85, "entities": {}, "reply": "конечно"}`,
	}}
	c := newTestClient(fake)

	result := c.Classify(context.Background(), "ну это, машина в общем")

	if !result.UsedFallback {
		t.Fatal("expected fallback to be used")
	}
	if result.Intent != "buy" || result.ModelUsed != "fallback-model" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fake.models) != 2 || fake.models[1] != "fallback-model" {
		t.Errorf("expected second call to fallback model, got %v", fake.models)
	}
}

func TestClassifyExactlyAtThresholdDoesNotEscalate(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		fmt.Sprintf(`{"intent": "faq", "confidence": %v, "entities": {}, "reply": "да"}`, DefaultFallbackThreshold),
	}}
	c := newTestClient(fake)

	result := c.Classify(context.Background(), "вы работаете по субботам?")

	if result.UsedFallback {
		t.Error("confidence exactly at threshold must not trigger fallback")
	}
	if len(fake.models) != 1 {
		t.Errorf("expected 1 call, got %d", len(fake.models))
	}
	_ = result
}

func TestClassifyEmptyIntentTriggersFallback(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"intent": "", "confidence": 0.99, "entities": {}, "reply": ""}`,
		`{"intent": "check", "confidence": 0.30, "entities": {}, "reply": ""}`,
	}}
	c := newTestClient(fake)

	result := c.Classify(context.Background(), "проверка")

	if !result.UsedFallback {
		t.Fatal("empty intent should trigger fallback regardless of confidence")
	}
	// Fallback result is returned as-is even when itself low-confidence.
	if result.Intent != "check" || result.Confidence != 0.30 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestClassifyProviderErrorYieldsUnknown(t *testing.T) {
	provErr := fmt.Errorf("connection refused")
	fake := &fakeCompleter{errs: []error{provErr, provErr}}
	c := newTestClient(fake)

	result := c.Classify(context.Background(), "привет")

	if result.Intent != "unknown" || result.Confidence != 0.0 {
		t.Fatalf("provider failure must yield unknown/0.0, got %+v", result)
	}
}

func TestClassifyTruncatesLongMessages(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"intent": "faq", "confidence": 0.9, "entities": {}, "reply": ""}`,
	}}
	c := newTestClient(fake)

	c.Classify(context.Background(), "а"+strings.Repeat("ж", 2*MaxMessageLength))

	if len(fake.prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(fake.prompts))
	}
	got := fake.prompts[0]
	if utf8.RuneCountInString(got) != MaxMessageLength {
		t.Errorf("expected prompt truncated to %d characters, got %d", MaxMessageLength, utf8.RuneCountInString(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncation must not split a multi-byte character")
	}
}

func TestClassifyKeepsShortCyrillicMessagesIntact(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		`{"intent": "faq", "confidence": 0.9, "entities": {}, "reply": ""}`,
	}}
	c := newTestClient(fake)

	// 301 characters but over 500 bytes once encoded. The limit counts
	// characters, so the message goes through untouched.
	msg := "а" + strings.Repeat("ж", 300)
	c.Classify(context.Background(), msg)

	if len(fake.prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(fake.prompts))
	}
	if fake.prompts[0] != msg {
		t.Errorf("message under the character limit must not be truncated, got %d characters", utf8.RuneCountInString(fake.prompts[0]))
	}
}

func TestParseClassificationStripsCodeFences(t *testing.T) {
	raw := "```json\n{\"intent\": \"legal\", \"confidence\": 0.8, \"entities\": {\"brand\": null}, \"reply\": \"хорошо\"}\n```"

	result := parseClassification(raw, "m")

	if result.Intent != "legal" || result.Confidence != 0.8 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, ok := result.Entities["brand"]; ok {
		t.Error("null entity values must be dropped")
	}
}

func TestParseClassificationMalformedYieldsEmptyIntent(t *testing.T) {
	result := parseClassification("I think the user wants to sell a car.", "m")

	if result.Intent != "" || result.Confidence != 0.0 {
		t.Fatalf("malformed payload must yield empty result, got %+v", result)
	}
	if result.Reply != "I think the user wants to sell a car." {
		t.Errorf("prose response must be kept as the reply, got %q", result.Reply)
	}
	if result.ModelUsed != "m" {
		t.Errorf("model name must be preserved, got %q", result.ModelUsed)
	}
}

func TestParseClassificationMalformedTrimsLongReply(t *testing.T) {
	result := parseClassification(strings.Repeat("ж", 300), "m")

	if result.Intent != "" {
		t.Fatalf("malformed payload must yield empty intent, got %+v", result)
	}
	if utf8.RuneCountInString(result.Reply) != maxRawReplyLength {
		t.Errorf("expected reply trimmed to %d characters, got %d", maxRawReplyLength, utf8.RuneCountInString(result.Reply))
	}
	if !utf8.ValidString(result.Reply) {
		t.Error("trimming must not split a multi-byte character")
	}
}
