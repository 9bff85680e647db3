// Package models defines flow type definitions to avoid circular imports.
package models

// FlowType represents a specific kind of conversational flow.
type FlowType string

// StateType represents a specific state within a flow.
type StateType string

// DataKey represents a key for storing state-specific data.
type DataKey string

// Flow type constants.
const (
	// FlowTypeDialog is the multi-step form-filling flow.
	FlowTypeDialog FlowType = "dialog"
	// FlowTypeFreetext is the AI-assisted free-text flow.
	FlowTypeFreetext FlowType = "freetext"
)

// State constants for the freetext flow.
const (
	StateFreetextChatting StateType = "CHATTING"
)

// Internal bookkeeping data keys. Keys with the "__" prefix never reach the
// submission pipeline.
const (
	DataKeyEditingField DataKey = "__editing_field__"
	DataKeyAITurnCount  DataKey = "__ai_count__"
	DataKeyAIPrefill    DataKey = "__ai_prefill__"
	DataKeyAIService    DataKey = "__ai_service__"
)

// InternalKeyPrefix marks bookkeeping keys in flow state data.
const InternalKeyPrefix = "__"
