// Package state holds the per-session conversational state: four named slots
// (intent, search_results, selection, hold) that the orchestrator mutates in
// response to tool results and model directives.
//
// Every write replaces the slot's previous value. A selection must reference an
// offer present in the search results at the time of the write.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type Slot string

const (
	SlotIntent        Slot = "intent"
	SlotSearchResults Slot = "search_results"
	SlotSelection     Slot = "selection"
	SlotHold          Slot = "hold"
)

var Slots = []Slot{SlotIntent, SlotSearchResults, SlotSelection, SlotHold}

func (s Slot) Valid() bool {
	return slices.Contains(Slots, s)
}

type Intent struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type OfferKind string

const (
	OfferKindPlace  OfferKind = "place"
	OfferKindFlight OfferKind = "flight"
)

// Offer is one search result the user can pick. Raw keeps the provider's
// record so later calls (pricing, booking) can be built from it.
type Offer struct {
	ID       string          `json:"id"`
	Kind     OfferKind       `json:"kind"`
	Title    string          `json:"title"`
	Summary  string          `json:"summary,omitempty"`
	Price    string          `json:"price,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

type HoldStatus string

const (
	HoldNone      HoldStatus = "none"
	HoldPending   HoldStatus = "pending"
	HoldConfirmed HoldStatus = "confirmed"
	HoldFailed    HoldStatus = "failed"
)

func (h HoldStatus) Valid() bool {
	switch h {
	case HoldNone, HoldPending, HoldConfirmed, HoldFailed:
		return true
	}
	return false
}

type Hold struct {
	BookingID string     `json:"booking_id,omitempty"`
	Status    HoldStatus `json:"status"`
	Detail    string     `json:"detail,omitempty"`
}

// Selection references one offer by id. An empty OfferID means nothing is selected.
type Selection struct {
	OfferID string `json:"offer_id,omitempty"`
}

type SessionState struct {
	SessionID     string    `json:"session_id"`
	Intent        *Intent   `json:"intent,omitempty"`
	SearchResults []Offer   `json:"search_results"`
	Selection     Selection `json:"selection"`
	Hold          Hold      `json:"hold"`
}

// SelectedOffer returns the offer the selection points at.
func (s SessionState) SelectedOffer() (Offer, bool) {
	if s.Selection.OfferID == "" {
		return Offer{}, false
	}
	return s.Offer(s.Selection.OfferID)
}

func (s SessionState) Offer(id string) (Offer, bool) {
	for _, o := range s.SearchResults {
		if o.ID == id {
			return o, true
		}
	}
	return Offer{}, false
}

func (s SessionState) clone() SessionState {
	out := s
	if s.Intent != nil {
		intent := *s.Intent
		out.Intent = &intent
	}
	out.SearchResults = append([]Offer(nil), s.SearchResults...)
	return out
}

func newSessionState(sessionID string) SessionState {
	return SessionState{
		SessionID:     sessionID,
		SearchResults: []Offer{},
		Hold:          Hold{Status: HoldNone},
	}
}

// Store is the four-operation contract every backend implements. Backends must
// be safe for concurrent use by different sessions.
type Store interface {
	// Init creates empty state for sessionID. It is a no-op when state exists.
	Init(ctx context.Context, sessionID string) error
	// Read returns a snapshot; later writes do not affect it.
	Read(ctx context.Context, sessionID string) (SessionState, error)
	// Write replaces one slot atomically.
	Write(ctx context.Context, sessionID string, slot Slot, value any) error
	// Discard drops the session's state.
	Discard(ctx context.Context, sessionID string) error
}

func checkID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidID
	}
	return nil
}

// normalize coerces the accepted Go shapes of a slot value into the canonical type.
func normalize(slot Slot, value any) (any, error) {
	switch slot {
	case SlotIntent:
		switch v := value.(type) {
		case Intent:
			return validIntent(&v)
		case *Intent:
			if v == nil {
				return (*Intent)(nil), nil
			}
			c := *v
			return validIntent(&c)
		case nil:
			return (*Intent)(nil), nil
		}
	case SlotSearchResults:
		switch v := value.(type) {
		case []Offer:
			return validOffers(v)
		case nil:
			return []Offer{}, nil
		}
	case SlotSelection:
		switch v := value.(type) {
		case Selection:
			return v, nil
		case string:
			return Selection{OfferID: v}, nil
		case nil:
			return Selection{}, nil
		}
	case SlotHold:
		switch v := value.(type) {
		case Hold:
			if v.Status == "" {
				v.Status = HoldNone
			}
			if !v.Status.Valid() {
				return nil, fmt.Errorf("%w: hold status %q", ErrInvalidValue, v.Status)
			}
			return v, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	return nil, fmt.Errorf("%w: %T for slot %s", ErrInvalidValue, value, slot)
}

func validIntent(i *Intent) (*Intent, error) {
	if strings.TrimSpace(i.Label) == "" {
		return nil, fmt.Errorf("%w: intent label is empty", ErrInvalidValue)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return nil, fmt.Errorf("%w: intent confidence %v outside [0,1]", ErrInvalidValue, i.Confidence)
	}
	return i, nil
}

func validOffers(offers []Offer) ([]Offer, error) {
	seen := make(map[string]struct{}, len(offers))
	for i, o := range offers {
		if o.ID == "" {
			return nil, fmt.Errorf("%w: search_results[%d] has no id", ErrInvalidValue, i)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate offer id %q", ErrInvalidValue, o.ID)
		}
		seen[o.ID] = struct{}{}
	}
	return append([]Offer(nil), offers...), nil
}

// apply writes a normalized value into st, enforcing the selection invariant.
// Replacing search_results drops a selection that no longer resolves.
func apply(st *SessionState, slot Slot, value any) error {
	switch slot {
	case SlotIntent:
		st.Intent = value.(*Intent)
	case SlotSearchResults:
		st.SearchResults = value.([]Offer)
		if _, ok := st.SelectedOffer(); !ok {
			st.Selection = Selection{}
		}
	case SlotSelection:
		sel := value.(Selection)
		if sel.OfferID != "" {
			if _, ok := st.Offer(sel.OfferID); !ok {
				return fmt.Errorf("%w: offer %q is not in the current search results", ErrInvalidSelection, sel.OfferID)
			}
		}
		st.Selection = sel
	case SlotHold:
		st.Hold = value.(Hold)
	}
	return nil
}
