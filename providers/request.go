// Package providers holds the HTTP plumbing shared by the capability providers
// under this directory. Each provider is a thin fasthttp client for one
// external API.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// DefaultTimeout bounds a request whose context carries no deadline.
const DefaultTimeout = 15 * time.Second

// Doer is satisfied by *fasthttp.Client.
type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

func NewHTTPClient(name string) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                name,
		MaxConnsPerHost:     64,
		MaxIdleConnDuration: 30 * time.Second,
		ReadTimeout:         DefaultTimeout,
		WriteTimeout:        DefaultTimeout,
	}
}

// StatusError is returned for any response outside the expected status.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("%s: unexpected status code: %d, body: %s", e.Service, e.Code, body)
}

// Do performs req with the earlier of ctx's deadline and DefaultTimeout.
func Do(ctx context.Context, c Doer, req *fasthttp.Request, resp *fasthttp.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, fromCtx := time.Now().Add(DefaultTimeout), false
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline, fromCtx = d, true
	}
	if err := c.DoDeadline(req, resp, deadline); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if fromCtx && errors.Is(err, fasthttp.ErrTimeout) {
			return fmt.Errorf("performing HTTP request: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	return nil
}

// Expect fails with a StatusError unless resp carries one of codes.
func Expect(service string, resp *fasthttp.Response, codes ...int) error {
	for _, code := range codes {
		if resp.StatusCode() == code {
			return nil
		}
	}
	return &StatusError{Service: service, Code: resp.StatusCode(), Body: string(resp.Body())}
}

// DecodeJSON unmarshals the response body into v.
func DecodeJSON(service string, resp *fasthttp.Response, v any) error {
	if err := sonic.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("%s: decoding response: %w", service, err)
	}
	return nil
}
