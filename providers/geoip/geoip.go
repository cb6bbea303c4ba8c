// Package geoip approximates a caller's location from an IP address using an
// ipinfo-compatible lookup service.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://ipinfo.io"
	service        = "geoip"
)

var ErrNoLocation = errors.New("geoip: location unknown")

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

// WithToken sets the lookup service's access token. Anonymous lookups are rate limited.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With(zap.String("provider", service))
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    providers.NewHTTPClient(service),
		logger:  shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Location struct {
	IP        string  `json:"ip,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Approximate is always true: IP geolocation is city-level at best.
	Approximate bool `json:"approximate"`
}

// LL renders the location as "lat,lng".
func (l Location) LL() string {
	return strconv.FormatFloat(l.Latitude, 'f', 4, 64) + "," + strconv.FormatFloat(l.Longitude, 'f', 4, 64)
}

// Lookup resolves ip. Private, loopback and empty addresses resolve the
// server's own public address instead.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	path := "/json"
	if public(ip) {
		path = "/" + ip + "/json"
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("looking up", zap.String("ip", ip))
	if err := providers.Do(ctx, c.http, req, resp); err != nil {
		return nil, err
	}
	if err := providers.Expect(service, resp, fasthttp.StatusOK); err != nil {
		return nil, err
	}
	var out struct {
		IP      string `json:"ip"`
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Loc     string `json:"loc"`
		Bogon   bool   `json:"bogon"`
	}
	if err := providers.DecodeJSON(service, resp, &out); err != nil {
		return nil, err
	}
	if out.Bogon || out.Loc == "" {
		return nil, ErrNoLocation
	}
	lat, lng, err := parseLoc(out.Loc)
	if err != nil {
		return nil, err
	}
	return &Location{
		IP:          out.IP,
		City:        out.City,
		Region:      out.Region,
		Country:     out.Country,
		Latitude:    lat,
		Longitude:   lng,
		Approximate: true,
	}, nil
}

func parseLoc(loc string) (lat, lng float64, err error) {
	latS, lngS, ok := strings.Cut(loc, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed loc %q", ErrNoLocation, loc)
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(latS), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed loc %q", ErrNoLocation, loc)
	}
	if lng, err = strconv.ParseFloat(strings.TrimSpace(lngS), 64); err != nil {
		return 0, 0, fmt.Errorf("%w: malformed loc %q", ErrNoLocation, loc)
	}
	return lat, lng, nil
}

func public(ip string) bool {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast())
}
