// Package agents is the travel concierge that runs inside every session: the
// tools the model may call, the slots their results update and the realtime
// session configuration announcing them.
package agents

import (
	"context"
	"encoding/json"
	"errors"

	pkg "github.com/bt-bridge/concierge"
	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/providers/amadeus"
	"github.com/bt-bridge/concierge/providers/foursquare"
	"github.com/bt-bridge/concierge/providers/geoip"
	"github.com/bt-bridge/concierge/providers/tavily"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bt-bridge/concierge/state"
	"go.uber.org/zap"
)

type PlaceFinder interface {
	Search(ctx context.Context, params foursquare.SearchParams) ([]foursquare.Place, error)
	Snap(ctx context.Context, ll string) ([]foursquare.Place, error)
	Details(ctx context.Context, id string) (json.RawMessage, error)
}

type FlightBooker interface {
	SearchOffers(ctx context.Context, s amadeus.FlightSearch) ([]amadeus.FlightOffer, error)
	PriceOffers(ctx context.Context, r amadeus.PriceRequest) (json.RawMessage, error)
	CreateOrder(ctx context.Context, body json.RawMessage) (*amadeus.Order, error)
}

type WebSearcher interface {
	Search(ctx context.Context, query string) (*tavily.Response, error)
}

type Locator interface {
	Lookup(ctx context.Context, ip string) (*geoip.Location, error)
}

// Providers are the external collaborators. A nil provider leaves its tools
// unregistered.
type Providers struct {
	Places  PlaceFinder
	Flights FlightBooker
	Web     WebSearcher
	Geo     Locator
}

var ErrNoSelection = errors.New("no offer is selected")

type Concierge struct {
	providers Providers
	store     state.Store
	logger    shared.LoggerAdapter
}

func New(providers Providers, store state.Store, logger shared.LoggerAdapter) (*Concierge, error) {
	if store == nil {
		return nil, shared.ErrNoStore
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Concierge{
		providers: providers,
		store:     store,
		logger:    logger.With(zap.String("component", "concierge")),
	}, nil
}

type registration struct {
	tool    capability.Tool
	handler capability.Handler
}

func (c *Concierge) registrations() []registration {
	var regs []registration
	if c.providers.Places != nil {
		regs = append(regs,
			registration{toolSearchNear, c.searchNear},
			registration{toolSearchNearPoint, c.searchNearPoint},
			registration{toolPlaceSnap, c.placeSnap},
			registration{toolPlaceDetails, c.placeDetails},
		)
	}
	if c.providers.Geo != nil {
		regs = append(regs, registration{toolGetLocation, c.getLocation})
	}
	if c.providers.Web != nil {
		regs = append(regs, registration{toolWebSearch, c.webSearch})
	}
	if c.providers.Flights != nil {
		regs = append(regs,
			registration{toolFlightOffersSearch, c.flightOffersSearch},
			registration{toolFlightOffersPrice, c.flightOffersPrice},
			registration{toolFlightCreateOrder, c.flightCreateOrder},
		)
	}
	return append(regs,
		registration{toolRecordIntent, c.recordIntent},
		registration{toolSelectOffer, c.selectOffer},
		registration{toolGetSessionState, c.getSessionState},
	)
}

// Register adds every tool whose provider is configured to d.
func (c *Concierge) Register(d *capability.Dispatcher) error {
	for _, r := range c.registrations() {
		if err := d.Register(r.tool, r.handler); err != nil {
			return err
		}
		c.logger.Debug("tool registered", zap.String("tool", r.tool.Name))
	}
	return nil
}

// Bindings maps tools to the slots their calls update.
func (c *Concierge) Bindings() pkg.Bindings {
	places := pkg.Binding{Completed: bindPlaces}
	return pkg.Bindings{
		NameSearchNear:         places,
		NameSearchNearPoint:    places,
		NameFlightOffersSearch: {Completed: bindFlights},
		NameFlightCreateOrder:  {Dispatched: holdPending, Completed: bindOrder},
		NameRecordIntent:       {Completed: bindIntent},
		NameSelectOffer:        {Completed: bindSelection},
	}
}
