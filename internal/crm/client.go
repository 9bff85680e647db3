// Package crm implements the amoCRM v4 API client used by the lead
// submission pipeline: OAuth token management, contact lookup and creation,
// lead creation and note attachment.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carquery/leadbot/internal/store"
)

// FieldConfig maps lead data keys to CRM custom field ids. A zero id means
// the key has no dedicated field and appears only in the lead note.
type FieldConfig struct {
	CarBrand     int64
	Year         int64
	Budget       int64
	Mileage      int64
	Transmission int64
	Drive        int64
	BodyType     int64
	VIN          int64
	CheckType    int64
}

// fieldID returns the custom field id for a lead data key, or zero.
func (f FieldConfig) fieldID(key string) int64 {
	switch key {
	case "car_brand":
		return f.CarBrand
	case "year":
		return f.Year
	case "budget":
		return f.Budget
	case "mileage":
		return f.Mileage
	case "transmission":
		return f.Transmission
	case "drive":
		return f.Drive
	case "body_type":
		return f.BodyType
	case "vin":
		return f.VIN
	case "check_type":
		return f.CheckType
	}
	return 0
}

// Opts holds configuration for the CRM client.
type Opts struct {
	Subdomain         string
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	PipelineID        int64
	StatusID          int64
	ResponsibleUserID int64
	Fields            FieldConfig
	BaseURL           string
	HTTPClient        *http.Client
	Retry             Policy
}

// Option configures CRM client construction.
type Option func(*Opts)

// WithCredentials sets the amoCRM account subdomain and OAuth credentials.
func WithCredentials(subdomain, clientID, clientSecret, redirectURI string) Option {
	return func(o *Opts) {
		o.Subdomain = subdomain
		o.ClientID = clientID
		o.ClientSecret = clientSecret
		o.RedirectURI = redirectURI
	}
}

// WithPipeline sets the pipeline, initial status and responsible user for
// created leads.
func WithPipeline(pipelineID, statusID, responsibleUserID int64) Option {
	return func(o *Opts) {
		o.PipelineID = pipelineID
		o.StatusID = statusID
		o.ResponsibleUserID = responsibleUserID
	}
}

// WithFieldConfig sets the custom field id mapping.
func WithFieldConfig(fields FieldConfig) Option {
	return func(o *Opts) { o.Fields = fields }
}

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithRetryPolicy overrides the request retry policy.
func WithRetryPolicy(p Policy) Option {
	return func(o *Opts) { o.Retry = p }
}

// Client talks to the amoCRM v4 API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokens        *TokenSource
	retry         Policy
	pipelineID    int64
	statusID      int64
	responsibleID int64
	fields        FieldConfig
}

// NewClient creates a CRM client. The store persists the OAuth token pair
// across restarts.
func NewClient(st store.Store, opts ...Option) (*Client, error) {
	cfg := Opts{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Retry:      DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		if cfg.Subdomain == "" {
			return nil, fmt.Errorf("CRM subdomain not set")
		}
		cfg.BaseURL = fmt.Sprintf("https://%s.amocrm.ru", cfg.Subdomain)
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("CRM OAuth credentials not set")
	}

	c := &Client{
		baseURL:       cfg.BaseURL,
		httpClient:    cfg.HTTPClient,
		tokens:        NewTokenSource(st, cfg.HTTPClient, cfg.BaseURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI),
		retry:         cfg.Retry,
		pipelineID:    cfg.PipelineID,
		statusID:      cfg.StatusID,
		responsibleID: cfg.ResponsibleUserID,
		fields:        cfg.Fields,
	}
	slog.Debug("CRM client created", "base_url", c.baseURL, "pipeline_id", c.pipelineID)
	return c, nil
}

// Tokens exposes the token source for the one-time authorization code
// bootstrap.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// request performs one authenticated API call under the retry policy. A 401
// forces a token refresh before the next attempt; 429 and 5xx back off; other
// 4xx fail immediately. A nil out skips response decoding; http.StatusNoContent
// leaves out untouched.
func (c *Client) request(ctx context.Context, method, path string, payload, out any) error {
	policy := c.retry
	policy.OnRetry = func(attempt int, err error) {
		slog.Warn("CRM request retrying", "method", method, "path", path, "attempt", attempt, "error", err)
	}

	return policy.Do(ctx, func() error {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to encode crm request body: %w", err)
			}
			body = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to build crm request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("crm request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if _, refreshErr := c.tokens.ForceRefresh(ctx); refreshErr != nil {
				return refreshErr
			}
			return &APIError{Status: resp.StatusCode, Body: string(respBody)}
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode >= 400:
			return &APIError{Status: resp.StatusCode, Body: string(respBody)}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode crm response: %w", err)
			}
		}
		return nil
	})
}
