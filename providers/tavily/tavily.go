// Package tavily is a client for the Tavily web search API.
package tavily

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL    = "https://api.tavily.com"
	DefaultMaxResults = 5
	service           = "tavily"
)

var ErrEmptyQuery = errors.New("tavily: query is empty")

type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	http       providers.Doer
	logger     shared.LoggerAdapter
}

type Option func(*Client)

func WithHTTPClient(d providers.Doer) Option {
	return func(c *Client) {
		c.http = d
	}
}

func WithMaxResults(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

func WithLogger(logger shared.LoggerAdapter) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With(zap.String("provider", service))
		}
	}
}

func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxResults: DefaultMaxResults,
		http:       providers.NewHTTPClient(service),
		logger:     shared.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

type searchRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

// Search asks for the top results plus a short generated answer.
func (c *Client) Search(ctx context.Context, query string) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	body, err := sonic.Marshal(searchRequest{Query: query, MaxResults: c.maxResults, IncludeAnswer: true})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/search")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	c.logger.Debug("searching", zap.String("query", query))
	if err := providers.Do(ctx, c.http, req, resp); err != nil {
		return nil, err
	}
	if err := providers.Expect(service, resp, fasthttp.StatusOK); err != nil {
		return nil, err
	}
	out := new(Response)
	if err := providers.DecodeJSON(service, resp, out); err != nil {
		return nil, err
	}
	return out, nil
}
