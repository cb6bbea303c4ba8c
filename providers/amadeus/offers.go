package amadeus

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// FlightSearch mirrors the flight-offers query parameters.
type FlightSearch struct {
	OriginLocationCode      string `json:"originLocationCode"`
	DestinationLocationCode string `json:"destinationLocationCode"`
	DepartureDate           string `json:"departureDate"`
	ReturnDate              string `json:"returnDate,omitempty"`
	Adults                  int    `json:"adults,omitempty"`
	Children                int    `json:"children,omitempty"`
	Infants                 int    `json:"infants,omitempty"`
	TravelClass             string `json:"travelClass,omitempty"`
	IncludedAirlineCodes    string `json:"includedAirlineCodes,omitempty"`
	ExcludedAirlineCodes    string `json:"excludedAirlineCodes,omitempty"`
	NonStop                 bool   `json:"nonStop,omitempty"`
	CurrencyCode            string `json:"currencyCode,omitempty"`
	MaxPrice                int    `json:"maxPrice,omitempty"`
	Max                     int    `json:"max,omitempty"`
}

const DefaultMaxOffers = 250

func (s FlightSearch) Validate() error {
	if s.OriginLocationCode == "" || s.DestinationLocationCode == "" || s.DepartureDate == "" {
		return errors.New("amadeus: origin, destination and departure date are required")
	}
	if s.IncludedAirlineCodes != "" && s.ExcludedAirlineCodes != "" {
		return errors.New("amadeus: includedAirlineCodes cannot be combined with excludedAirlineCodes")
	}
	return nil
}

func (s FlightSearch) values() url.Values {
	v := url.Values{}
	v.Set("originLocationCode", s.OriginLocationCode)
	v.Set("destinationLocationCode", s.DestinationLocationCode)
	v.Set("departureDate", s.DepartureDate)
	adults := s.Adults
	if adults <= 0 {
		adults = 1
	}
	v.Set("adults", strconv.Itoa(adults))
	limit := s.Max
	if limit <= 0 {
		limit = DefaultMaxOffers
	}
	v.Set("max", strconv.Itoa(limit))
	if s.ReturnDate != "" {
		v.Set("returnDate", s.ReturnDate)
	}
	if s.Children > 0 {
		v.Set("children", strconv.Itoa(s.Children))
	}
	if s.Infants > 0 {
		v.Set("infants", strconv.Itoa(s.Infants))
	}
	if s.TravelClass != "" {
		v.Set("travelClass", s.TravelClass)
	}
	if s.IncludedAirlineCodes != "" {
		v.Set("includedAirlineCodes", s.IncludedAirlineCodes)
	}
	if s.ExcludedAirlineCodes != "" {
		v.Set("excludedAirlineCodes", s.ExcludedAirlineCodes)
	}
	if s.CurrencyCode != "" {
		v.Set("currencyCode", s.CurrencyCode)
	}
	if s.MaxPrice > 0 {
		v.Set("maxPrice", strconv.Itoa(s.MaxPrice))
	}
	if s.NonStop {
		v.Set("nonStop", "true")
	}
	return v
}

type Endpoint struct {
	IATACode string `json:"iataCode"`
	At       string `json:"at"`
}

type Segment struct {
	Departure   Endpoint `json:"departure"`
	Arrival     Endpoint `json:"arrival"`
	CarrierCode string   `json:"carrierCode"`
	Number      string   `json:"number"`
}

type Itinerary struct {
	Duration string    `json:"duration"`
	Segments []Segment `json:"segments"`
}

type Price struct {
	Currency   string `json:"currency"`
	Total      string `json:"total"`
	GrandTotal string `json:"grandTotal"`
}

// FlightOffer is the part of an offer the concierge reads. Raw keeps the whole
// record, which pricing and booking need verbatim.
type FlightOffer struct {
	ID                    string          `json:"id"`
	NumberOfBookableSeats int             `json:"numberOfBookableSeats"`
	Itineraries           []Itinerary     `json:"itineraries"`
	Price                 Price           `json:"price"`
	Raw                   json.RawMessage `json:"-"`
}

func ParseOffer(raw json.RawMessage) (FlightOffer, error) {
	var o FlightOffer
	if err := sonic.Unmarshal(raw, &o); err != nil {
		return FlightOffer{}, err
	}
	if o.ID == "" {
		return FlightOffer{}, errors.New("offer has no id")
	}
	o.Raw = raw
	return o, nil
}

func (o FlightOffer) TotalPrice() string {
	if o.Price.GrandTotal != "" {
		return o.Price.GrandTotal
	}
	return o.Price.Total
}

// Title renders the outbound route, e.g. "JFK-LIS".
func (o FlightOffer) Title() string {
	if len(o.Itineraries) == 0 || len(o.Itineraries[0].Segments) == 0 {
		return "flight offer " + o.ID
	}
	segs := o.Itineraries[0].Segments
	return segs[0].Departure.IATACode + "-" + segs[len(segs)-1].Arrival.IATACode
}

// Summary renders one line per itinerary with times, flights and stops.
func (o FlightOffer) Summary() string {
	parts := make([]string, 0, len(o.Itineraries))
	for _, it := range o.Itineraries {
		if len(it.Segments) == 0 {
			continue
		}
		first, last := it.Segments[0], it.Segments[len(it.Segments)-1]
		flights := make([]string, 0, len(it.Segments))
		for _, s := range it.Segments {
			flights = append(flights, s.CarrierCode+s.Number)
		}
		stops := "nonstop"
		if n := len(it.Segments) - 1; n == 1 {
			stops = "1 stop"
		} else if n > 1 {
			stops = fmt.Sprintf("%d stops", n)
		}
		parts = append(parts, fmt.Sprintf("%s %s -> %s %s (%s, %s)",
			first.Departure.IATACode, first.Departure.At,
			last.Arrival.IATACode, last.Arrival.At,
			strings.Join(flights, "/"), stops))
	}
	return strings.Join(parts, "; ")
}
