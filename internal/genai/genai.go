// Package genai provides the AI intent-classification client.
//
// It wraps the OpenAI chat completion API with a two-tier model policy: the
// primary (cheaper) model is tried first and a stronger fallback model is used
// when the primary result is empty or below the confidence threshold.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carquery/leadbot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the classification client.
const (
	// DefaultModel is the primary classification model.
	DefaultModel = "gpt-4o-mini"
	// DefaultFallbackModel is used when the primary result is not trustworthy.
	DefaultFallbackModel = "gpt-4o"
	// DefaultFallbackThreshold is the confidence below which the fallback
	// model is consulted. Exactly-at-threshold does not escalate.
	DefaultFallbackThreshold = 0.65
	// DefaultRequestTimeout bounds each completion call.
	DefaultRequestTimeout = 10 * time.Second
	// MaxMessageLength caps user input, counted in characters, before it is
	// sent to the provider.
	MaxMessageLength = 500
	// defaultMaxTokens bounds the completion size.
	defaultMaxTokens = 500
	// defaultTemperature keeps classification output stable.
	defaultTemperature = 0.3
)

// completer is the minimal chat completion surface the client depends on.
type completer interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the classification client.
type Opts struct {
	APIKey            string
	BaseURL           string
	Model             string
	FallbackModel     string
	FallbackThreshold float64
	Timeout           time.Duration
}

// Option configures client construction.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the provider base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModels sets the primary and fallback model names.
func WithModels(primary, fallback string) Option {
	return func(o *Opts) {
		o.Model = primary
		o.FallbackModel = fallback
	}
}

// WithFallbackThreshold sets the confidence threshold for model escalation.
func WithFallbackThreshold(threshold float64) Option {
	return func(o *Opts) { o.FallbackThreshold = threshold }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client classifies free-text user messages into service intents.
type Client struct {
	chat              completer
	model             string
	fallbackModel     string
	fallbackThreshold float64
}

// NewClient initializes a classification client from options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:             DefaultModel,
		FallbackModel:     DefaultFallbackModel,
		FallbackThreshold: DefaultFallbackThreshold,
		Timeout:           DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "model", cfg.Model, "fallback_model", cfg.FallbackModel, "threshold", cfg.FallbackThreshold)
	return &Client{
		chat:              &cli.Chat.Completions,
		model:             cfg.Model,
		fallbackModel:     cfg.FallbackModel,
		fallbackThreshold: cfg.FallbackThreshold,
	}, nil
}

// Classify detects the intent of a user message and extracts entities.
//
// The primary model is consulted first; when its result has no intent or a
// confidence below the threshold, the fallback model is consulted and its
// result is returned as-is (marked as having used the fallback), even if it
// is itself low-confidence. Provider failures are converted into a neutral
// unknown-intent result and never propagated.
func (c *Client) Classify(ctx context.Context, userMessage string) models.AIClassification {
	truncated := truncateRunes(userMessage, MaxMessageLength)

	response := c.callModel(ctx, truncated, c.model)

	if c.needsFallback(response) {
		slog.Info("GenAI smart fallback triggered",
			"intent", response.Intent, "confidence", response.Confidence, "model", response.ModelUsed)
		fallback := c.callModel(ctx, truncated, c.fallbackModel)
		fallback.UsedFallback = true
		return fallback
	}

	return response
}

// truncateRunes limits a string to n characters. The limit counts runes, not
// bytes, so Cyrillic input keeps its full budget and the cut never splits a
// character.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// callModel makes a single completion call and parses the result.
func (c *Client) callModel(ctx context.Context, message, model string) models.AIClassification {
	start := time.Now()
	completion, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierSystemPrompt),
			openai.UserMessage(message),
		},
		MaxTokens:   openai.Int(defaultMaxTokens),
		Temperature: openai.Float(defaultTemperature),
	})
	elapsed := time.Since(start)

	if err != nil {
		slog.Error("GenAI completion call failed", "error", err, "model", model, "elapsed_ms", elapsed.Milliseconds())
		return models.AIClassification{Intent: "unknown", Confidence: 0.0, ModelUsed: model}
	}
	if len(completion.Choices) == 0 {
		slog.Error("GenAI completion returned no choices", "model", model)
		return models.AIClassification{Intent: "unknown", Confidence: 0.0, ModelUsed: model}
	}

	raw := completion.Choices[0].Message.Content
	slog.Debug("GenAI completion received", "model", model, "elapsed_ms", elapsed.Milliseconds(), "length", len(raw))
	return parseClassification(raw, model)
}

// needsFallback reports whether the primary result warrants model escalation.
func (c *Client) needsFallback(r models.AIClassification) bool {
	if r.Intent == "" {
		return true
	}
	return r.Confidence < c.fallbackThreshold
}
