package agents

import (
	"context"
	"fmt"

	pkg "github.com/bt-bridge/concierge"
	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/state"
	"github.com/bytedance/sonic"
)

func bindPlaces(ctx context.Context, slots pkg.SessionSlots, res capability.Result) error {
	if !res.OK() {
		return nil
	}
	v, ok := res.Value.(PlacesResult)
	if !ok {
		return fmt.Errorf("%s returned %T", res.Tool, res.Value)
	}
	offers := make([]state.Offer, 0, len(v.Places))
	for _, p := range v.Places {
		raw, err := sonic.Marshal(p)
		if err != nil {
			return err
		}
		offers = append(offers, state.Offer{
			ID:      p.ID,
			Kind:    state.OfferKindPlace,
			Title:   p.Name,
			Summary: p.Address,
			Raw:     raw,
		})
	}
	return slots.Write(ctx, state.SlotSearchResults, dedupe(offers))
}

func bindFlights(ctx context.Context, slots pkg.SessionSlots, res capability.Result) error {
	if !res.OK() {
		return nil
	}
	v, ok := res.Value.(FlightsResult)
	if !ok {
		return fmt.Errorf("%s returned %T", res.Tool, res.Value)
	}
	offers := make([]state.Offer, 0, len(v.offers))
	for _, o := range v.offers {
		offers = append(offers, state.Offer{
			ID:       o.ID,
			Kind:     state.OfferKindFlight,
			Title:    o.Title(),
			Summary:  o.Summary(),
			Price:    o.TotalPrice(),
			Currency: o.Price.Currency,
			Raw:      o.Raw,
		})
	}
	return slots.Write(ctx, state.SlotSearchResults, dedupe(offers))
}

func holdPending(ctx context.Context, slots pkg.SessionSlots, _ capability.Call) error {
	return slots.Write(ctx, state.SlotHold, state.Hold{Status: state.HoldPending})
}

func bindOrder(ctx context.Context, slots pkg.SessionSlots, res capability.Result) error {
	if !res.OK() {
		return slots.Write(ctx, state.SlotHold, state.Hold{Status: state.HoldFailed, Detail: res.Failure.Message})
	}
	v, ok := res.Value.(OrderResult)
	if !ok {
		return fmt.Errorf("%s returned %T", res.Tool, res.Value)
	}
	return slots.Write(ctx, state.SlotHold, state.Hold{Status: state.HoldConfirmed, BookingID: v.OrderID})
}

func bindIntent(ctx context.Context, slots pkg.SessionSlots, res capability.Result) error {
	if !res.OK() {
		return nil
	}
	v, ok := res.Value.(state.Intent)
	if !ok {
		return fmt.Errorf("%s returned %T", res.Tool, res.Value)
	}
	return slots.Write(ctx, state.SlotIntent, v)
}

// bindSelection is where the selection invariant is enforced: the offer may
// have left the search results while the call was running.
func bindSelection(ctx context.Context, slots pkg.SessionSlots, res capability.Result) error {
	if !res.OK() {
		return nil
	}
	v, ok := res.Value.(SelectionResult)
	if !ok {
		return fmt.Errorf("%s returned %T", res.Tool, res.Value)
	}
	return slots.Write(ctx, state.SlotSelection, state.Selection{OfferID: v.OfferID})
}

// dedupe keeps the first offer for each id; the store rejects duplicates.
func dedupe(offers []state.Offer) []state.Offer {
	seen := make(map[string]struct{}, len(offers))
	out := offers[:0]
	for _, o := range offers {
		if o.ID == "" {
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		out = append(out, o)
	}
	return out
}
