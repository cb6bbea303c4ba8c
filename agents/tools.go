package agents

import (
	"encoding/json"
	"time"

	"github.com/bt-bridge/concierge/capability"
)

const (
	NameSearchNear         = "search_near"
	NameSearchNearPoint    = "search_near_point"
	NamePlaceSnap          = "place_snap"
	NamePlaceDetails       = "place_details"
	NameGetLocation        = "get_location"
	NameWebSearch          = "web_search"
	NameFlightOffersSearch = "flight_offers_search"
	NameFlightOffersPrice  = "flight_offers_price"
	NameFlightCreateOrder  = "flight_create_order"
	NameRecordIntent       = "record_intent"
	NameSelectOffer        = "select_offer"
	NameGetSessionState    = "get_session_state"
)

// Flight APIs answer slowly; their calls get a longer budget than the default.
const flightTimeout = 30 * time.Second

var toolSearchNear = capability.Tool{
	Name:        NameSearchNear,
	Description: "Search for places near a particular named region.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"where": {"type": "string", "minLength": 1, "description": "A geographic region, e.g. Los Angeles or Fort Greene."},
			"what": {"type": "string", "minLength": 1, "description": "What you are looking for, e.g. coffee shop or Hard Rock Cafe."},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"required": ["where", "what"],
		"additionalProperties": false
	}`),
}

var toolSearchNearPoint = capability.Tool{
	Name:        NameSearchNearPoint,
	Description: "Search for places near a particular point, including restaurants, cafes and shops.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"what": {"type": "string", "minLength": 1, "description": "What you are looking for, e.g. coffee shop."},
			"ll": {"type": "string", "pattern": "^-?[0-9.]+,-?[0-9.]+$", "description": "Comma separated latitude and longitude, e.g. 40.74,-74.0."},
			"radius": {"type": "integer", "minimum": 1, "maximum": 100000, "description": "Distance in meters, e.g. 1000."}
		},
		"required": ["what", "ll", "radius"],
		"additionalProperties": false
	}`),
}

var toolPlaceSnap = capability.Tool{
	Name:        NamePlaceSnap,
	Description: "Get the most likely place the user is at based on their reported location.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"ll": {"type": "string", "pattern": "^-?[0-9.]+,-?[0-9.]+$", "description": "Comma separated latitude and longitude, e.g. 40.74,-74.0."}
		},
		"required": ["ll"],
		"additionalProperties": false
	}`),
}

var toolPlaceDetails = capability.Tool{
	Name: NamePlaceDetails,
	Description: "Get detailed information about a place by its fsq_place_id: description, phone, website, " +
		"social media, hours, popular hours, rating out of 10, price, menu, photos, tips, tastes and " +
		"features such as taking reservations.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1, "description": "The fsq_place_id of the place."}
		},
		"required": ["id"],
		"additionalProperties": false
	}`),
}

var toolGetLocation = capability.Tool{
	Name: NameGetLocation,
	Description: "Get the user's approximate location from their IP address. Useful when the user has " +
		"not told you where they are.",
}

var toolWebSearch = capability.Tool{
	Name: NameWebSearch,
	Description: "Search the internet. Let the user know you are asking your friend Tavily for help " +
		"before you call this tool.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1}
		},
		"required": ["query"],
		"additionalProperties": false
	}`),
}

var toolFlightOffersSearch = capability.Tool{
	Name: NameFlightOffersSearch,
	Description: "Search flight offers. Make reasonable assumptions when parameters are missing instead of " +
		"asking: use today's date when no date is given and the main airport of a city. Results are " +
		"stored as the current search results.",
	Timeout: flightTimeout,
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"originLocationCode": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"destinationLocationCode": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"departureDate": {"type": "string", "format": "date"},
			"returnDate": {"type": "string", "format": "date"},
			"adults": {"type": "integer", "minimum": 1, "maximum": 9, "default": 1},
			"children": {"type": "integer", "minimum": 0},
			"infants": {"type": "integer", "minimum": 0},
			"travelClass": {"type": "string", "enum": ["ECONOMY", "PREMIUM_ECONOMY", "BUSINESS", "FIRST"]},
			"includedAirlineCodes": {"type": "string", "description": "IATA codes, comma separated. Cannot be combined with excludedAirlineCodes."},
			"excludedAirlineCodes": {"type": "string", "description": "IATA codes, comma separated. Cannot be combined with includedAirlineCodes."},
			"nonStop": {"type": "boolean"},
			"currencyCode": {"type": "string", "pattern": "^[A-Z]{3}$", "description": "ISO 4217, EUR when omitted."},
			"maxPrice": {"type": "integer", "minimum": 1},
			"max": {"type": "integer", "minimum": 1, "maximum": 250, "default": 250}
		},
		"required": ["originLocationCode", "destinationLocationCode", "departureDate"],
		"additionalProperties": false
	}`),
}

var toolFlightOffersPrice = capability.Tool{
	Name: NameFlightOffersPrice,
	Description: "Confirm the price of a flight offer. Pass offer_id to price one of the current search " +
		"results, or a full priceFlightOffersBody. Without either, the selected offer is priced.",
	Timeout: flightTimeout,
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"offer_id": {"type": "string", "minLength": 1},
			"priceFlightOffersBody": {"type": "object"},
			"include": {"type": "string", "description": "Comma separated: credit-card-fees, bags, other-services, detailed-fare-rules."},
			"forceClass": {"type": "boolean"}
		},
		"additionalProperties": false
	}`),
}

var toolFlightCreateOrder = capability.Tool{
	Name: NameFlightCreateOrder,
	Description: "Book the selected flight offer. Pass travelers (and contacts) to book the selected offer, or " +
		"a full flight-order body. Traveler documents must include nationality, expiryDate, issuanceCountry " +
		"and holder.",
	Timeout: flightTimeout,
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"body": {"type": "object"},
			"travelers": {"type": "array", "minItems": 1, "items": {"type": "object"}},
			"contacts": {"type": "array", "items": {"type": "object"}}
		},
		"anyOf": [{"required": ["body"]}, {"required": ["travelers"]}],
		"additionalProperties": false
	}`),
}

var toolRecordIntent = capability.Tool{
	Name:        NameRecordIntent,
	Description: "Record what the user is trying to do, e.g. search_flights or find_place, with your confidence.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"label": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["label", "confidence"],
		"additionalProperties": false
	}`),
}

var toolSelectOffer = capability.Tool{
	Name:        NameSelectOffer,
	Description: "Select one of the current search results by its id.",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"offer_id": {"type": "string", "minLength": 1}
		},
		"required": ["offer_id"],
		"additionalProperties": false
	}`),
}

var toolGetSessionState = capability.Tool{
	Name:        NameGetSessionState,
	Description: "Get the recorded intent, current search results, selection and booking hold.",
}
