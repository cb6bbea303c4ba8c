// Package foursquare is a client for the Foursquare Places API.
package foursquare

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://places-api.foursquare.com"
	APIVersion     = "2025-02-05"
	DefaultLimit   = 5
	service        = "foursquare"
)

// DetailFields is the field set requested by Details.
var DetailFields = []string{
	"description", "tel", "website", "social_media", "hours", "hours_popular",
	"rating", "price", "menu", "photos", "tips", "tastes", "attributes",
}

var ErrNoPlaceID = errors.New("foursquare: place id is empty")

type Client struct {
	baseURL string
	token   string
	http    providers.Doer
	logger  shared.LoggerAdapter
}

type Option func(*Client)

func WithHTTPClient(d providers.Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With(zap.String("provider", service))
		}
	}
}

func New(baseURL, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, shared.ErrNoAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    providers.NewHTTPClient(service),
		logger:  shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type Category struct {
	ID   string `json:"fsq_category_id"`
	Name string `json:"name"`
}

type Location struct {
	FormattedAddress string `json:"formatted_address"`
	Locality         string `json:"locality"`
	Region           string `json:"region"`
	Country          string `json:"country"`
}

type Place struct {
	ID         string     `json:"fsq_place_id"`
	Name       string     `json:"name"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Distance   int        `json:"distance"`
	Location   Location   `json:"location"`
	Categories []Category `json:"categories"`
}

// Summary is the compact form handed back to the model.
type Summary struct {
	ID         string   `json:"fsq_place_id"`
	Name       string   `json:"name"`
	Address    string   `json:"address,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Distance   int      `json:"distance,omitempty"`
}

func (p Place) Summary() Summary {
	s := Summary{ID: p.ID, Name: p.Name, Address: p.Location.FormattedAddress, Distance: p.Distance}
	for _, c := range p.Categories {
		s.Categories = append(s.Categories, c.Name)
	}
	return s
}

func Summaries(places []Place) []Summary {
	out := make([]Summary, 0, len(places))
	for _, p := range places {
		out = append(out, p.Summary())
	}
	return out
}

// SearchParams selects places by a named region (Near) or a point (LL and Radius).
type SearchParams struct {
	Query  string
	Near   string
	LL     string
	Radius int
	Limit  int
}

func (p SearchParams) values() url.Values {
	v := url.Values{}
	if p.Query != "" {
		v.Set("query", p.Query)
	}
	if p.Near != "" {
		v.Set("near", p.Near)
	}
	if p.LL != "" {
		v.Set("ll", p.LL)
	}
	if p.Radius > 0 {
		v.Set("radius", strconv.Itoa(p.Radius))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	v.Set("limit", strconv.Itoa(limit))
	return v
}

func (c *Client) Search(ctx context.Context, params SearchParams) ([]Place, error) {
	var out struct {
		Results []Place `json:"results"`
	}
	if err := c.get(ctx, "/places/search", params.values(), &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Snap returns the most likely place at ll ("lat,lng").
func (c *Client) Snap(ctx context.Context, ll string) ([]Place, error) {
	v := url.Values{}
	v.Set("ll", ll)
	v.Set("limit", "1")
	var out struct {
		Candidates []Place `json:"candidates"`
	}
	if err := c.get(ctx, "/geotagging/candidates", v, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// Details returns the provider's record for one place, unmodified.
func (c *Client) Details(ctx context.Context, id string) (json.RawMessage, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNoPlaceID
	}
	v := url.Values{}
	v.Set("fields", strings.Join(DetailFields, ","))
	var out json.RawMessage
	if err := c.get(ctx, "/places/"+url.PathEscape(id), v, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path + "?" + query.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Places-Api-Version", APIVersion)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("requesting", zap.String("path", path), zap.String("query", query.Encode()))
	if err := providers.Do(ctx, c.http, req, resp); err != nil {
		return err
	}
	if err := providers.Expect(service, resp, fasthttp.StatusOK); err != nil {
		return err
	}
	return providers.DecodeJSON(service, resp, out)
}
