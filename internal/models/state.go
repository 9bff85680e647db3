// Package models defines state management structures for bot flows.
package models

import "time"

// FlowState represents the persisted conversation cursor for one participant
// in one flow: the current state name plus collected key/value data.
type FlowState struct {
	PlatformID   string             `json:"platform_id"`
	FlowType     FlowType           `json:"flow_type"`
	CurrentState StateType          `json:"current_state"`
	StateData    map[DataKey]string `json:"state_data,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
