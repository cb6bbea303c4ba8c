package realtime

import (
	"context"

	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/state"
)

// SessionSlots is a session-scoped view of the state store.
type SessionSlots struct {
	store     state.Store
	sessionID string
}

func NewSessionSlots(store state.Store, sessionID string) SessionSlots {
	return SessionSlots{store: store, sessionID: sessionID}
}

func (s SessionSlots) SessionID() string {
	return s.sessionID
}

func (s SessionSlots) Read(ctx context.Context) (state.SessionState, error) {
	return s.store.Read(ctx, s.sessionID)
}

func (s SessionSlots) Write(ctx context.Context, slot state.Slot, value any) error {
	return s.store.Write(ctx, s.sessionID, slot, value)
}

// Binding ties a tool to the slots its calls update. Both hooks run on the
// session loop, so writes from one session never race each other.
type Binding struct {
	// Dispatched runs when the call is accepted, before its handler starts.
	Dispatched func(ctx context.Context, slots SessionSlots, call capability.Call) error
	// Completed runs before the result goes back to the model. An error turns a
	// successful result into a HandlerError failure.
	Completed func(ctx context.Context, slots SessionSlots, res capability.Result) error
}

// Bindings is keyed by tool name.
type Bindings map[string]Binding
