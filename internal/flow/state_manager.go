package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/carquery/leadbot/internal/models"
	"github.com/carquery/leadbot/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// GetCurrentState retrieves the current state for a participant in a flow.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, platformID string, flowType models.FlowType) (models.StateType, error) {
	flowState, err := sm.store.GetFlowState(platformID, string(flowType))
	if err != nil {
		slog.Error("StateManager GetCurrentState error", "error", err, "platformID", platformID, "flowType", flowType)
		return "", err
	}
	if flowState == nil {
		return "", nil
	}
	return flowState.CurrentState, nil
}

// SetCurrentState updates the current state for a participant in a flow.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, platformID string, flowType models.FlowType, state models.StateType) error {
	slog.Debug("StateManager SetCurrentState", "platformID", platformID, "flowType", flowType, "state", state)

	flowState, err := sm.store.GetFlowState(platformID, string(flowType))
	if err != nil {
		slog.Error("StateManager SetCurrentState get error", "error", err, "platformID", platformID, "flowType", flowType)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			PlatformID:   platformID,
			FlowType:     flowType,
			CurrentState: state,
			StateData:    make(map[models.DataKey]string),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	} else {
		flowState.CurrentState = state
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetCurrentState save error", "error", err, "platformID", platformID, "flowType", flowType, "state", state)
		return err
	}
	return nil
}

// GetStateData retrieves one data value associated with the participant's state.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, platformID string, flowType models.FlowType, key models.DataKey) (string, error) {
	flowState, err := sm.store.GetFlowState(platformID, string(flowType))
	if err != nil {
		slog.Error("StateManager GetStateData error", "error", err, "platformID", platformID, "flowType", flowType, "key", key)
		return "", err
	}
	if flowState == nil || flowState.StateData == nil {
		return "", nil
	}
	return flowState.StateData[key], nil
}

// SetStateData stores one data value associated with the participant's state.
func (sm *StoreBasedStateManager) SetStateData(ctx context.Context, platformID string, flowType models.FlowType, key models.DataKey, value string) error {
	slog.Debug("StateManager SetStateData", "platformID", platformID, "flowType", flowType, "key", key)

	flowState, err := sm.store.GetFlowState(platformID, string(flowType))
	if err != nil {
		slog.Error("StateManager SetStateData get error", "error", err, "platformID", platformID, "flowType", flowType, "key", key)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			PlatformID: platformID,
			FlowType:   flowType,
			StateData:  map[models.DataKey]string{key: value},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	} else {
		if flowState.StateData == nil {
			flowState.StateData = make(map[models.DataKey]string)
		}
		flowState.StateData[key] = value
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetStateData save error", "error", err, "platformID", platformID, "flowType", flowType, "key", key)
		return err
	}
	return nil
}

// GetAllStateData returns a copy of every data value stored for the
// participant in a flow.
func (sm *StoreBasedStateManager) GetAllStateData(ctx context.Context, platformID string, flowType models.FlowType) (map[models.DataKey]string, error) {
	flowState, err := sm.store.GetFlowState(platformID, string(flowType))
	if err != nil {
		slog.Error("StateManager GetAllStateData error", "error", err, "platformID", platformID, "flowType", flowType)
		return nil, err
	}
	data := make(map[models.DataKey]string)
	if flowState != nil {
		for k, v := range flowState.StateData {
			data[k] = v
		}
	}
	return data, nil
}

// ResetState removes all state for a participant in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, platformID string, flowType models.FlowType) error {
	slog.Debug("StateManager ResetState", "platformID", platformID, "flowType", flowType)
	if err := sm.store.DeleteFlowState(platformID, string(flowType)); err != nil {
		slog.Error("StateManager ResetState error", "error", err, "platformID", platformID, "flowType", flowType)
		return err
	}
	return nil
}
