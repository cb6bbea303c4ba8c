// Package amadeus is a client for the Amadeus self-service flight APIs: offer
// search, pricing and order creation.
package amadeus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultBaseURL = "https://test.api.amadeus.com"
	contentType    = "application/vnd.amadeus+json"
	service        = "amadeus"
)

var ErrNoOffers = errors.New("amadeus: no flight offers given")

type Config struct {
	BaseURL string
	// APIKey is a pre-issued access token. ClientID and ClientSecret take
	// precedence and are exchanged for tokens as needed.
	APIKey       string
	ClientID     string
	ClientSecret string
}

// tokenHTTPClient fetches client-credentials tokens. x/oauth2 only talks
// through net/http.
var tokenHTTPClient = &http.Client{Timeout: providers.DefaultTimeout}

// tokenCache reuses one access token until it expires. A fetch is bounded by
// the context of the request that needs it.
type tokenCache struct {
	conf *clientcredentials.Config

	mu  sync.Mutex
	tok *oauth2.Token
}

func (t *tokenCache) token(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conf == nil || t.tok.Valid() {
		return t.tok, nil
	}
	tok, err := t.conf.Token(context.WithValue(ctx, oauth2.HTTPClient, tokenHTTPClient))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	t.tok = tok
	return tok, nil
}

type Client struct {
	baseURL string
	tokens  *tokenCache
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

func New(cfg Config, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	tokens := new(tokenCache)
	switch {
	case cfg.ClientID != "" && cfg.ClientSecret != "":
		tokens.conf = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     baseURL + "/v1/security/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		}
	case cfg.APIKey != "":
		tokens.tok = &oauth2.Token{AccessToken: cfg.APIKey, TokenType: "Bearer"}
	default:
		return nil, shared.ErrNoAPIKey
	}
	c := &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    providers.NewHTTPClient(service),
		logger:  shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SearchOffers(ctx context.Context, s FlightSearch) ([]FlightOffer, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	path := "/v2/shopping/flight-offers?" + s.values().Encode()
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, nil, fasthttp.StatusOK, &out); err != nil {
		return nil, err
	}
	offers := make([]FlightOffer, 0, len(out.Data))
	for i, raw := range out.Data {
		offer, err := ParseOffer(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding offer %d: %w", i, err)
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

type PriceRequest struct {
	// Body is sent as is when set. Otherwise one is built from Offers.
	Body       json.RawMessage
	Offers     []json.RawMessage
	Include    string
	ForceClass bool
}

// PriceOffers confirms the price of the given offers and returns the provider's
// response.
func (c *Client) PriceOffers(ctx context.Context, r PriceRequest) (json.RawMessage, error) {
	body := r.Body
	if len(body) == 0 {
		if len(r.Offers) == 0 {
			return nil, ErrNoOffers
		}
		var err error
		body, err = sonic.Marshal(map[string]any{
			"data": map[string]any{
				"type":         "flight-offers-pricing",
				"flightOffers": r.Offers,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("encoding pricing body: %w", err)
		}
	}
	query := url.Values{}
	query.Set("forceClass", strconv.FormatBool(r.ForceClass))
	if r.Include != "" {
		query.Set("include", r.Include)
	}
	path := "/v1/shopping/flight-offers/pricing?" + query.Encode()
	headers := map[string]string{"X-HTTP-Method-Override": "GET"}
	var out json.RawMessage
	if err := c.do(ctx, fasthttp.MethodPost, path, headers, body, fasthttp.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Order struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"-"`
}

// OrderBody builds a flight-order request from offers and travelers.
func OrderBody(offers []json.RawMessage, travelers, contacts json.RawMessage) (json.RawMessage, error) {
	if len(offers) == 0 {
		return nil, ErrNoOffers
	}
	data := map[string]any{
		"type":         "flight-order",
		"flightOffers": offers,
	}
	if len(travelers) > 0 {
		data["travelers"] = travelers
	}
	if len(contacts) > 0 {
		data["contacts"] = contacts
	}
	b, err := sonic.Marshal(map[string]any{"data": data})
	if err != nil {
		return nil, fmt.Errorf("encoding order body: %w", err)
	}
	return b, nil
}

func (c *Client) CreateOrder(ctx context.Context, body json.RawMessage) (*Order, error) {
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/v1/booking/flight-orders", nil, body, fasthttp.StatusCreated, &out); err != nil {
		return nil, err
	}
	order := &Order{Raw: out.Data}
	if err := sonic.Unmarshal(out.Data, order); err != nil {
		return nil, fmt.Errorf("%s: decoding order: %w", service, err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("%s: order response carries no id", service)
	}
	return order, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body []byte, status int, out any) error {
	tok, err := c.tokens.token(ctx)
	if err != nil {
		return fmt.Errorf("%s: fetching access token: %w", service, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	c.logger.Debug("requesting", zap.String("method", method), zap.String("path", path))
	if err := providers.Do(ctx, c.http, req, resp); err != nil {
		return err
	}
	if err := providers.Expect(service, resp, status); err != nil {
		return err
	}
	return providers.DecodeJSON(service, resp, out)
}
