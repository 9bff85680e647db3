// Package flow implements the conversational flows of the lead bot: the
// multi-step dialog engine that fills service request forms and the AI
// assisted free-text flow that routes users into those forms.
package flow

import (
	"context"

	"github.com/carquery/leadbot/internal/models"
)

// StateManager manages the persisted conversation state of a participant.
type StateManager interface {
	// GetCurrentState retrieves the current state for a participant in a flow.
	// Returns the empty state when the participant has no state.
	GetCurrentState(ctx context.Context, platformID string, flowType models.FlowType) (models.StateType, error)

	// SetCurrentState updates the current state for a participant in a flow.
	SetCurrentState(ctx context.Context, platformID string, flowType models.FlowType, state models.StateType) error

	// GetStateData retrieves one data value associated with the participant's
	// state. Returns the empty string when absent.
	GetStateData(ctx context.Context, platformID string, flowType models.FlowType, key models.DataKey) (string, error)

	// SetStateData stores one data value associated with the participant's state.
	SetStateData(ctx context.Context, platformID string, flowType models.FlowType, key models.DataKey, value string) error

	// GetAllStateData returns a copy of every data value stored for the
	// participant in a flow.
	GetAllStateData(ctx context.Context, platformID string, flowType models.FlowType) (map[models.DataKey]string, error)

	// ResetState removes all state for a participant in a flow.
	ResetState(ctx context.Context, platformID string, flowType models.FlowType) error
}

// Submitter hands a completed form to the lead submission pipeline. The
// returned flag reports whether the lead reached the CRM immediately; a false
// value still means the lead was stored and will be retried.
type Submitter interface {
	Process(ctx context.Context, user models.PlatformUser, service models.ServiceType, data map[string]string) bool
}
