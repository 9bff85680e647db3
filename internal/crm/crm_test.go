package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// newTestClient builds a client against a test server with a valid token
// already stored and no backoff delays.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *store.InMemoryStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := store.NewInMemoryStore()
	if err := st.SaveCrmToken(models.CrmToken{
		AccessToken:  "valid-token",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}

	client, err := NewClient(st,
		WithCredentials("testsub", "client-id", "client-secret", "https://example.com/callback"),
		WithPipeline(100, 200, 300),
		WithFieldConfig(FieldConfig{CarBrand: 1001, Year: 1002, Budget: 1003, Mileage: 1004}),
		WithBaseURL(srv.URL),
		WithRetryPolicy(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryIf: IsRetryable}),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFindContactByPhone(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/contacts" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "+79991234567" {
			t.Errorf("unexpected query %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer valid-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{
				"contacts": []map[string]any{{"id": 42, "name": "Иван"}},
			},
		})
	}))

	contact, err := client.FindContactByPhone(context.Background(), "+79991234567")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if contact == nil || contact.ID != 42 {
		t.Fatalf("unexpected contact: %+v", contact)
	}
}

func TestFindContactByPhoneNoMatch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	contact, err := client.FindContactByPhone(context.Background(), "+79990000000")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if contact != nil {
		t.Fatalf("expected nil contact, got %+v", contact)
	}
}

func TestCreateLeadMapsCustomFields(t *testing.T) {
	var received []map[string]any
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"leads": []map[string]any{{"id": 777}}},
		})
	}))

	leadID, err := client.CreateLead(context.Background(), "Продажа авто - Toyota - Иван", 42, map[string]string{
		"car_brand": "Toyota",
		"year":      "2015",
		"comment":   "срочно",
	})
	if err != nil {
		t.Fatalf("lead creation failed: %v", err)
	}
	if leadID != 777 {
		t.Fatalf("unexpected lead id %d", leadID)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 lead in payload, got %d", len(received))
	}
	lead := received[0]
	if lead["pipeline_id"].(float64) != 100 || lead["status_id"].(float64) != 200 {
		t.Errorf("pipeline settings not applied: %v", lead)
	}
	fields, _ := lead["custom_fields_values"].([]any)
	if len(fields) != 2 {
		t.Errorf("expected 2 mapped custom fields, got %d (comment has no field id)", len(fields))
	}
}

func TestRequestRefreshesTokenOn401(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/access_token", func(w http.ResponseWriter, r *http.Request) {
		var form map[string]string
		_ = json.NewDecoder(r.Body).Decode(&form)
		if form["grant_type"] != "refresh_token" || form["refresh_token"] != "refresh-1" {
			t.Errorf("unexpected token request: %v", form)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "refresh-2",
			"expires_in":    86400,
		})
	})
	mux.HandleFunc("/api/v4/contacts", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-token" {
			t.Errorf("retry did not use refreshed token: %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"contacts": []map[string]any{{"id": 7}}},
		})
	})

	client, st := newTestClient(t, mux)
	contact, err := client.FindContactByPhone(context.Background(), "+79991234567")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if contact == nil || contact.ID != 7 {
		t.Fatalf("unexpected contact: %+v", contact)
	}

	tok, err := st.GetCurrentCrmToken()
	if err != nil || tok == nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if tok.RefreshToken != "refresh-2" {
		t.Errorf("refreshed pair not persisted, refresh token %q", tok.RefreshToken)
	}
}

func TestRequestRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_embedded": map[string]any{"leads": []map[string]any{{"id": 1}}},
		})
	}))

	if _, err := client.CreateLead(context.Background(), "t", 1, nil); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.CreateLead(context.Background(), "t", 1, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("400 must not be retried, got %d calls", calls.Load())
	}
}

func TestRequestGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.CreateLead(context.Background(), "t", 1, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestExchangeCodePersistsInitialPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var form map[string]string
		_ = json.NewDecoder(r.Body).Decode(&form)
		if form["grant_type"] != "authorization_code" || form["code"] != "one-time-code" {
			t.Errorf("unexpected exchange request: %v", form)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "first-access",
			"refresh_token": "first-refresh",
			"expires_in":    86400,
		})
	}))
	defer srv.Close()

	st := store.NewInMemoryStore()
	client, err := NewClient(st,
		WithCredentials("testsub", "id", "secret", "https://example.com/cb"),
		WithBaseURL(srv.URL),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Tokens().ExchangeCode(context.Background(), "one-time-code"); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	tok, err := st.GetCurrentCrmToken()
	if err != nil || tok == nil {
		t.Fatalf("token not persisted: %v", err)
	}
	if tok.AccessToken != "first-access" {
		t.Errorf("unexpected access token %q", tok.AccessToken)
	}
}

func TestAccessTokenWithoutStoredPair(t *testing.T) {
	st := store.NewInMemoryStore()
	client, err := NewClient(st,
		WithCredentials("testsub", "id", "secret", ""),
		WithBaseURL("http://127.0.0.1:0"),
		WithRetryPolicy(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryIf: IsRetryable}),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.FindContactByPhone(context.Background(), "+79991234567")
	if err == nil {
		t.Fatal("expected error without stored token")
	}
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func TestPolicyBackoffDoubles(t *testing.T) {
	var attempts int
	start := time.Now()
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, RetryIf: func(error) bool { return true }}
	err := p.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("nope")
	})
	if err == nil || attempts != 3 {
		t.Fatalf("expected 3 failing attempts, got %d, err %v", attempts, err)
	}
	// 10ms + 20ms of backoff at minimum.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("backoff too short: %v", elapsed)
	}
}
