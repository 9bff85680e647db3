// Package models defines the shared data structures for the lead bot.
package models

import "time"

// ServiceType identifies one of the supported service flows.
type ServiceType string

// Supported service flows.
const (
	ServiceSell  ServiceType = "sell"
	ServiceBuy   ServiceType = "buy"
	ServiceFind  ServiceType = "find"
	ServiceCheck ServiceType = "check"
	ServiceLegal ServiceType = "legal"
)

// ServiceTypeLabels maps service types to their human-readable labels.
var ServiceTypeLabels = map[ServiceType]string{
	ServiceSell:  "Продажа авто",
	ServiceBuy:   "Покупка авто",
	ServiceFind:  "Подбор авто",
	ServiceCheck: "Проверка авто",
	ServiceLegal: "Юридическая помощь",
}

// LeadStatus tracks the delivery lifecycle of a local lead record.
type LeadStatus string

// Lead status lifecycle: draft -> pending -> {sent, error}; error -> pending on
// retry. A lead never leaves sent.
const (
	LeadStatusDraft   LeadStatus = "draft"
	LeadStatusPending LeadStatus = "pending"
	LeadStatusSent    LeadStatus = "sent"
	LeadStatusError   LeadStatus = "error"
)

// User is a durable record keyed by the stable chat-platform identity.
// It is upserted on every interaction and caches the CRM contact reference.
type User struct {
	ID           int64     `json:"id"`
	PlatformID   string    `json:"platform_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	CrmContactID int64     `json:"crm_contact_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Lead is the durable record owned by the submission pipeline. Rows are never
// deleted; they form the audit trail of every completed form.
type Lead struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	ServiceType  ServiceType    `json:"service_type"`
	Data         map[string]any `json:"data"`
	Status       LeadStatus     `json:"status"`
	CrmLeadID    int64          `json:"crm_lead_id,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
}

// CrmToken holds one OAuth token pair for the CRM. The newest row is the
// current pair; refresh tokens are single-use so every refresh appends a row.
type CrmToken struct {
	ID           int64     `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// AIRequestLog records one classification attempt for later analysis.
// Inserts are best effort and must never interrupt a conversation.
type AIRequestLog struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	UserMessage  string    `json:"user_message"`
	Intent       string    `json:"intent,omitempty"`
	Confidence   float64   `json:"confidence"`
	ModelUsed    string    `json:"model_used,omitempty"`
	UsedFallback bool      `json:"used_fallback"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// AIClassification is the parsed result of one classification call.
type AIClassification struct {
	Intent       string            `json:"intent"`
	Confidence   float64           `json:"confidence"`
	Entities     map[string]string `json:"entities,omitempty"`
	Reply        string            `json:"reply"`
	ModelUsed    string            `json:"model_used"`
	UsedFallback bool              `json:"used_fallback"`
}

// HasIntent reports whether the classification produced an actionable intent.
func (c AIClassification) HasIntent() bool {
	return c.Intent != "" && c.Intent != "unknown" && c.Intent != "faq"
}

// APIResponse is the envelope for every admin API reply.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// API response statuses.
const (
	APIStatusOK    = "ok"
	APIStatusError = "error"
)

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// PlatformUser carries the chat-platform identity of the person interacting
// with the bot, as delivered by the transport with each inbound event.
type PlatformUser struct {
	PlatformID string `json:"platform_id"`
	ChatID     string `json:"chat_id"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
}
