package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carquery/leadbot/internal/bot"
	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

type fakeRetrier struct {
	calls   int
	retried int
}

func (f *fakeRetrier) RetryFailed(ctx context.Context) int {
	f.calls++
	return f.retried
}

func newTestServer(t *testing.T) (*httptest.Server, *store.InMemoryStore, *fakeRetrier) {
	t.Helper()
	st := store.NewInMemoryStore()
	retrier := &fakeRetrier{retried: 2}
	ts := httptest.NewServer(NewServer(st, retrier).Handler())
	t.Cleanup(ts.Close)
	return ts, st, retrier
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != models.APIStatusOK {
		t.Errorf("unexpected status %q", body.Status)
	}
}

func TestLeadsEndpointFiltersByStatus(t *testing.T) {
	ts, st, _ := newTestServer(t)

	user, err := st.UpsertUser(models.User{PlatformID: "u1"})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	sent, _ := st.CreateLead(models.Lead{UserID: user.ID, ServiceType: models.ServiceSell, Status: models.LeadStatusPending})
	failed, _ := st.CreateLead(models.Lead{UserID: user.ID, ServiceType: models.ServiceBuy, Status: models.LeadStatusPending})
	if err := st.MarkLeadSent(sent.ID, 900); err != nil {
		t.Fatalf("failed to mark sent: %v", err)
	}
	if err := st.MarkLeadError(failed.ID, "crm unavailable"); err != nil {
		t.Fatalf("failed to mark error: %v", err)
	}

	resp, err := http.Get(ts.URL + "/leads?status=error")
	if err != nil {
		t.Fatalf("leads request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status string        `json:"status"`
		Result []models.Lead `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Result) != 1 || body.Result[0].ID != failed.ID {
		t.Errorf("expected only the failed lead, got %+v", body.Result)
	}
}

func TestLeadsEndpointRejectsUnknownStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/leads?status=bogus")
	if err != nil {
		t.Fatalf("leads request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRetryEndpointTriggersSweep(t *testing.T) {
	ts, _, retrier := newTestServer(t)

	resp, err := http.Post(ts.URL+"/leads/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("retry request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if retrier.calls != 1 {
		t.Errorf("expected 1 sweep, got %d", retrier.calls)
	}
	var body struct {
		Result map[string]int `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Result["retried"] != 2 {
		t.Errorf("expected retried=2, got %v", body.Result)
	}
}

type fakeSink struct {
	events []bot.Event
}

func (f *fakeSink) HandleEvent(ctx context.Context, ev bot.Event) {
	f.events = append(f.events, ev)
}

func TestEventsEndpointDispatchesToSink(t *testing.T) {
	st := store.NewInMemoryStore()
	sink := &fakeSink{}
	ts := httptest.NewServer(NewServer(st, &fakeRetrier{}, WithEventSink(sink)).Handler())
	defer ts.Close()

	payload := `{"type":"text","user":{"platform_id":"u1","chat_id":"c1"},"text":"привет"}`
	resp, err := http.Post(ts.URL+"/events", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(sink.events) != 1 || sink.events[0].Type != bot.EventText || sink.events[0].Text != "привет" {
		t.Errorf("event not dispatched: %+v", sink.events)
	}

	// Events without an identity are rejected.
	resp2, err := http.Post(ts.URL+"/events", "application/json", strings.NewReader(`{"type":"text"}`))
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for anonymous event, got %d", resp2.StatusCode)
	}
	if len(sink.events) != 1 {
		t.Errorf("invalid event reached sink: %+v", sink.events)
	}
}

func TestEventsEndpointAbsentWithoutSink(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/events", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when no sink configured, got %d", resp.StatusCode)
	}
}

func TestRetryEndpointRequiresPost(t *testing.T) {
	ts, _, retrier := newTestServer(t)

	resp, err := http.Get(ts.URL + "/leads/retry")
	if err != nil {
		t.Fatalf("retry request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
	if retrier.calls != 0 {
		t.Errorf("sweep should not run on GET, got %d calls", retrier.calls)
	}
}
