package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/providers/amadeus"
	"github.com/bt-bridge/concierge/providers/foursquare"
	"github.com/bt-bridge/concierge/providers/geoip"
	"github.com/bt-bridge/concierge/state"
	"go.uber.org/zap"
)

// maxOffersShown caps how many flight offers are read back to the model. All
// of them are kept in the session's search results.
const maxOffersShown = 10

type PlacesResult struct {
	Places  []foursquare.Summary `json:"places"`
	Message string               `json:"message,omitempty"`
}

type FlightOffer struct {
	ID       string `json:"id"`
	Route    string `json:"route"`
	Summary  string `json:"summary"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Seats    int    `json:"bookable_seats,omitempty"`
}

type FlightsResult struct {
	Count  int           `json:"count"`
	Offers []FlightOffer `json:"offers"`
	// offers keeps the full provider records for the search_results binding.
	offers []amadeus.FlightOffer
}

type OrderResult struct {
	OrderID string          `json:"order_id"`
	Order   json.RawMessage `json:"order"`
}

type SelectionResult struct {
	OfferID string      `json:"offer_id"`
	Offer   state.Offer `json:"offer"`
}

type LocationResult struct {
	*geoip.Location
	LL   string `json:"ll"`
	Note string `json:"note"`
}

func (c *Concierge) searchNear(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		Where string `json:"where"`
		What  string `json:"what"`
		Limit int    `json:"limit"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	places, err := c.providers.Places.Search(ctx, foursquare.SearchParams{Query: args.What, Near: args.Where, Limit: args.Limit})
	if err != nil {
		return nil, err
	}
	res := PlacesResult{Places: foursquare.Summaries(places)}
	if len(places) == 0 {
		res.Message = fmt.Sprintf("No %s found near %s.", args.What, args.Where)
	}
	return res, nil
}

func (c *Concierge) searchNearPoint(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		What   string `json:"what"`
		LL     string `json:"ll"`
		Radius int    `json:"radius"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	places, err := c.providers.Places.Search(ctx, foursquare.SearchParams{Query: args.What, LL: args.LL, Radius: args.Radius})
	if err != nil {
		return nil, err
	}
	res := PlacesResult{Places: foursquare.Summaries(places)}
	if len(places) == 0 {
		res.Message = fmt.Sprintf("No %s found within %d meters.", args.What, args.Radius)
	}
	return res, nil
}

func (c *Concierge) placeSnap(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		LL string `json:"ll"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	places, err := c.providers.Places.Snap(ctx, args.LL)
	if err != nil {
		return nil, err
	}
	return PlacesResult{Places: foursquare.Summaries(places)}, nil
}

func (c *Concierge) placeDetails(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	return c.providers.Places.Details(ctx, args.ID)
}

func (c *Concierge) getLocation(ctx context.Context, inv capability.Invocation) (any, error) {
	loc, err := c.providers.Geo.Lookup(ctx, inv.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("I don't know where you are: %w", err)
	}
	return LocationResult{Location: loc, LL: loc.LL(), Note: "using geoip, so this is an approximation"}, nil
}

func (c *Concierge) webSearch(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	return c.providers.Web.Search(ctx, args.Query)
}

func (c *Concierge) flightOffersSearch(ctx context.Context, inv capability.Invocation) (any, error) {
	var search amadeus.FlightSearch
	if err := inv.Decode(&search); err != nil {
		return nil, err
	}
	offers, err := c.providers.Flights.SearchOffers(ctx, search)
	if err != nil {
		return nil, err
	}
	res := FlightsResult{Count: len(offers), Offers: make([]FlightOffer, 0, min(len(offers), maxOffersShown)), offers: offers}
	for i, o := range offers {
		if i == maxOffersShown {
			break
		}
		res.Offers = append(res.Offers, FlightOffer{
			ID:       o.ID,
			Route:    o.Title(),
			Summary:  o.Summary(),
			Price:    o.TotalPrice(),
			Currency: o.Price.Currency,
			Seats:    o.NumberOfBookableSeats,
		})
	}
	return res, nil
}

func (c *Concierge) flightOffersPrice(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		OfferID    string          `json:"offer_id"`
		Body       json.RawMessage `json:"priceFlightOffersBody"`
		Include    string          `json:"include"`
		ForceClass bool            `json:"forceClass"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	req := amadeus.PriceRequest{Body: args.Body, Include: args.Include, ForceClass: args.ForceClass}
	if len(req.Body) == 0 {
		offer, err := c.storedOffer(ctx, inv.SessionID, args.OfferID)
		if err != nil {
			return nil, err
		}
		req.Offers = []json.RawMessage{offer.Raw}
	}
	return c.providers.Flights.PriceOffers(ctx, req)
}

func (c *Concierge) flightCreateOrder(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		Body      json.RawMessage `json:"body"`
		Travelers json.RawMessage `json:"travelers"`
		Contacts  json.RawMessage `json:"contacts"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	body := args.Body
	if len(body) == 0 {
		offer, err := c.storedOffer(ctx, inv.SessionID, "")
		if err != nil {
			return nil, err
		}
		if body, err = amadeus.OrderBody([]json.RawMessage{offer.Raw}, args.Travelers, args.Contacts); err != nil {
			return nil, err
		}
	}
	order, err := c.providers.Flights.CreateOrder(ctx, body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("flight order created", zap.String("session_id", inv.SessionID), zap.String("order_id", order.ID))
	return OrderResult{OrderID: order.ID, Order: order.Raw}, nil
}

// storedOffer resolves a flight offer from the session's search results. An
// empty id means the selected offer.
func (c *Concierge) storedOffer(ctx context.Context, sessionID, id string) (state.Offer, error) {
	st, err := c.store.Read(ctx, sessionID)
	if err != nil {
		return state.Offer{}, err
	}
	var (
		offer state.Offer
		ok    bool
	)
	if id == "" {
		if offer, ok = st.SelectedOffer(); !ok {
			return state.Offer{}, ErrNoSelection
		}
	} else if offer, ok = st.Offer(id); !ok {
		return state.Offer{}, fmt.Errorf("%w: offer %q is not in the current search results", state.ErrInvalidSelection, id)
	}
	if offer.Kind != state.OfferKindFlight || len(offer.Raw) == 0 {
		return state.Offer{}, fmt.Errorf("offer %q is not a flight offer", offer.ID)
	}
	return offer, nil
}

func (c *Concierge) recordIntent(_ context.Context, inv capability.Invocation) (any, error) {
	var intent state.Intent
	if err := inv.Decode(&intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (c *Concierge) selectOffer(ctx context.Context, inv capability.Invocation) (any, error) {
	var args struct {
		OfferID string `json:"offer_id"`
	}
	if err := inv.Decode(&args); err != nil {
		return nil, err
	}
	st, err := c.store.Read(ctx, inv.SessionID)
	if err != nil {
		return nil, err
	}
	offer, ok := st.Offer(args.OfferID)
	if !ok {
		return nil, fmt.Errorf("%w: offer %q is not in the current search results", state.ErrInvalidSelection, args.OfferID)
	}
	offer.Raw = nil
	return SelectionResult{OfferID: offer.ID, Offer: offer}, nil
}

func (c *Concierge) getSessionState(ctx context.Context, inv capability.Invocation) (any, error) {
	st, err := c.store.Read(ctx, inv.SessionID)
	if err != nil {
		return nil, err
	}
	for i := range st.SearchResults {
		st.SearchResults[i].Raw = nil
	}
	return st, nil
}
