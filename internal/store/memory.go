// Package store provides storage backends for the lead bot.
//
// This file implements an in-memory store used by tests and as a fallback
// when no database DSN is configured.
package store

import (
	"sync"
	"time"

	"github.com/carquery/leadbot/internal/models"
)

// InMemoryStore is a thread-safe in-memory Store implementation.
type InMemoryStore struct {
	mu         sync.Mutex
	users      map[string]*models.User
	leads      map[int64]*models.Lead
	tokens     []models.CrmToken
	aiLogs     []models.AIRequestLog
	flowStates map[string]models.FlowState
	nextUserID int64
	nextLeadID int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:      make(map[string]*models.User),
		leads:      make(map[int64]*models.Lead),
		flowStates: make(map[string]models.FlowState),
		nextUserID: 1,
		nextLeadID: 1,
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func flowKey(platformID, flowType string) string {
	return platformID + "|" + flowType
}

// UpsertUser creates or updates a user keyed by platform identity.
func (s *InMemoryStore) UpsertUser(u models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.users[u.PlatformID]
	if !ok {
		stored := u
		stored.ID = s.nextUserID
		s.nextUserID++
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.users[u.PlatformID] = &stored
		return stored, nil
	}
	if u.Username != "" {
		existing.Username = u.Username
	}
	if u.FirstName != "" {
		existing.FirstName = u.FirstName
	}
	if u.Phone != "" {
		existing.Phone = u.Phone
	}
	existing.UpdatedAt = now
	return *existing, nil
}

// GetUser looks up a user by internal id.
func (s *InMemoryStore) GetUser(id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

// GetUserByPlatformID looks up a user by stable platform identity.
func (s *InMemoryStore) GetUserByPlatformID(platformID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[platformID]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// SetUserCrmContactID caches the CRM contact reference on the user row.
func (s *InMemoryStore) SetUserCrmContactID(userID, contactID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			u.CrmContactID = contactID
			u.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return nil
}

// CreateLead inserts a new lead row.
func (s *InMemoryStore) CreateLead(l models.Lead) (models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextLeadID
	s.nextLeadID++
	if l.Status == "" {
		l.Status = models.LeadStatusDraft
	}
	l.CreatedAt = time.Now().UTC()
	stored := l
	s.leads[l.ID] = &stored
	return l, nil
}

// GetLead fetches one lead by id.
func (s *InMemoryStore) GetLead(id int64) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	copied := *l
	return &copied, nil
}

// ListLeadsByStatus returns all leads with the given status, oldest first.
func (s *InMemoryStore) ListLeadsByStatus(status models.LeadStatus) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for id := int64(1); id < s.nextLeadID; id++ {
		if l, ok := s.leads[id]; ok && l.Status == status {
			out = append(out, *l)
		}
	}
	return out, nil
}

// GetRetryableLeads returns error-status leads below the retry ceiling.
func (s *InMemoryStore) GetRetryableLeads(maxRetries int) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for id := int64(1); id < s.nextLeadID; id++ {
		if l, ok := s.leads[id]; ok && l.Status == models.LeadStatusError && l.RetryCount < maxRetries {
			out = append(out, *l)
		}
	}
	return out, nil
}

// IncrementLeadRetry bumps the retry counter.
func (s *InMemoryStore) IncrementLeadRetry(leadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[leadID]; ok {
		l.RetryCount++
	}
	return nil
}

// MarkLeadSent transitions a lead to sent. Leads already sent never regress.
func (s *InMemoryStore) MarkLeadSent(leadID, crmLeadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok || l.Status == models.LeadStatusSent {
		return nil
	}
	now := time.Now().UTC()
	l.Status = models.LeadStatusSent
	l.CrmLeadID = crmLeadID
	l.ErrorMessage = ""
	l.SentAt = &now
	return nil
}

// MarkLeadError transitions a lead to error. Leads already sent never regress.
func (s *InMemoryStore) MarkLeadError(leadID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok || l.Status == models.LeadStatusSent {
		return nil
	}
	l.Status = models.LeadStatusError
	l.ErrorMessage = message
	return nil
}

// SaveCrmToken appends a new token pair.
func (s *InMemoryStore) SaveCrmToken(t models.CrmToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.tokens) + 1)
	t.CreatedAt = time.Now().UTC()
	s.tokens = append(s.tokens, t)
	return nil
}

// GetCurrentCrmToken returns the most recently saved token pair, if any.
func (s *InMemoryStore) GetCurrentCrmToken() (*models.CrmToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return nil, nil
	}
	t := s.tokens[len(s.tokens)-1]
	return &t, nil
}

// AddAIRequestLog records a classification attempt.
func (s *InMemoryStore) AddAIRequestLog(l models.AIRequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = int64(len(s.aiLogs) + 1)
	l.CreatedAt = time.Now().UTC()
	s.aiLogs = append(s.aiLogs, l)
	return nil
}

// AIRequestLogs returns all recorded classification attempts (test helper).
func (s *InMemoryStore) AIRequestLogs() []models.AIRequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AIRequestLog, len(s.aiLogs))
	copy(out, s.aiLogs)
	return out
}

// GetFlowState retrieves one participant's flow state, or nil if absent.
func (s *InMemoryStore) GetFlowState(platformID, flowType string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.flowStates[flowKey(platformID, flowType)]
	if !ok {
		return nil, nil
	}
	copied := st
	copied.StateData = make(map[models.DataKey]string, len(st.StateData))
	for k, v := range st.StateData {
		copied.StateData[k] = v
	}
	return &copied, nil
}

// SaveFlowState inserts or replaces one participant's flow state.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := state
	copied.StateData = make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		copied.StateData[k] = v
	}
	s.flowStates[flowKey(state.PlatformID, string(state.FlowType))] = copied
	return nil
}

// DeleteFlowState removes one participant's flow state.
func (s *InMemoryStore) DeleteFlowState(platformID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey(platformID, flowType))
	return nil
}
