package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// refreshMargin is subtracted from a token's expiry when deciding whether it
// is still usable, so a request never starts with a token about to expire.
const refreshMargin = 5 * time.Minute

// ErrNoToken means the store holds no OAuth token pair yet. Exchange an
// authorization code once to bootstrap the integration.
var ErrNoToken = errors.New("crm: no oauth token stored, run with -crm-auth-code to bootstrap")

// TokenSource manages the CRM OAuth token pair. Refresh tokens are single
// use, so every refresh persists the new pair before the old one is
// discarded. All methods are safe for concurrent use.
type TokenSource struct {
	mu           sync.Mutex
	store        store.Store
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	current      *models.CrmToken
}

// NewTokenSource creates a token source backed by the given store.
func NewTokenSource(st store.Store, httpClient *http.Client, baseURL, clientID, clientSecret, redirectURI string) *TokenSource {
	return &TokenSource{
		store:        st,
		httpClient:   httpClient,
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
	}
}

// AccessToken returns a valid access token, refreshing the pair when the
// cached one expires within the refresh margin.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == nil {
		tok, err := ts.store.GetCurrentCrmToken()
		if err != nil {
			return "", fmt.Errorf("failed to load crm token: %w", err)
		}
		if tok == nil {
			return "", ErrNoToken
		}
		ts.current = tok
	}

	if time.Until(ts.current.ExpiresAt) > refreshMargin {
		return ts.current.AccessToken, nil
	}
	return ts.refreshLocked(ctx)
}

// ForceRefresh discards the cached access token and obtains a new pair. Used
// after the API rejects a request with 401.
func (ts *TokenSource) ForceRefresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current == nil {
		tok, err := ts.store.GetCurrentCrmToken()
		if err != nil {
			return "", fmt.Errorf("failed to load crm token: %w", err)
		}
		if tok == nil {
			return "", ErrNoToken
		}
		ts.current = tok
	}
	return ts.refreshLocked(ctx)
}

// ExchangeCode trades a one-time authorization code for the initial token
// pair and persists it. Run once when the integration is installed.
func (ts *TokenSource) ExchangeCode(ctx context.Context, code string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	tok, err := ts.requestToken(ctx, map[string]string{
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  ts.redirectURI,
	})
	if err != nil {
		return fmt.Errorf("authorization code exchange failed: %w", err)
	}
	if err := ts.store.SaveCrmToken(*tok); err != nil {
		return fmt.Errorf("failed to persist crm token: %w", err)
	}
	ts.current = tok
	slog.Info("CRM authorization code exchanged", "expires_at", tok.ExpiresAt)
	return nil
}

// refreshLocked exchanges the current refresh token for a new pair. The new
// pair is persisted before it replaces the cached one. Callers must hold mu.
func (ts *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	tok, err := ts.requestToken(ctx, map[string]string{
		"client_id":     ts.clientID,
		"client_secret": ts.clientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": ts.current.RefreshToken,
		"redirect_uri":  ts.redirectURI,
	})
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if err := ts.store.SaveCrmToken(*tok); err != nil {
		return "", fmt.Errorf("failed to persist refreshed crm token: %w", err)
	}
	ts.current = tok
	slog.Debug("CRM token refreshed", "expires_at", tok.ExpiresAt)
	return tok.AccessToken, nil
}

// tokenResponse is the OAuth endpoint's reply shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (ts *TokenSource) requestToken(ctx context.Context, form map[string]string) (*models.CrmToken, error) {
	body, err := json.Marshal(form)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/oauth2/access_token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &models.CrmToken{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
