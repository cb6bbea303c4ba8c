// Package capability routes model-issued tool calls to registered handlers.
//
// A Dispatcher owns a registry of tools, each declared with a JSON schema for its
// arguments and a timeout. Dispatch always produces a Result: unknown tools,
// invalid arguments, timeouts, handler errors and panics all become structured
// failures rather than Go errors.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/bytedance/sonic"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

const DefaultTimeout = 15 * time.Second

// Tool declares one capability.
type Tool struct {
	Name        string
	Description string
	// Schema is a JSON schema for the arguments object. Empty means no arguments.
	Schema json.RawMessage
	// Timeout overrides the dispatcher default when positive.
	Timeout time.Duration
}

// Invocation is what a handler receives: the validated call plus session context.
type Invocation struct {
	Call
	SessionID string
	ClientIP  string
}

// Decode unmarshals the call's arguments into v.
func (inv Invocation) Decode(v any) error {
	if err := sonic.Unmarshal(inv.Arguments, v); err != nil {
		return fmt.Errorf("decoding %s arguments: %w", inv.Tool, err)
	}
	return nil
}

// Handler runs a tool. The returned value must be JSON-encodable.
type Handler func(ctx context.Context, inv Invocation) (any, error)

type entry struct {
	tool    Tool
	schema  *gojsonschema.Schema
	handler Handler
}

type Dispatcher struct {
	logger         shared.LoggerAdapter
	defaultTimeout time.Duration
	overrides      map[string]time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Dispatcher)

func WithDefaultTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.defaultTimeout = d
		}
	}
}

// WithTimeouts sets per-tool timeouts that win over both the default and the
// timeout declared at registration.
func WithTimeouts(timeouts map[string]time.Duration) Option {
	return func(disp *Dispatcher) {
		for name, d := range timeouts {
			if d > 0 {
				disp.overrides[name] = d
			}
		}
	}
}

func NewDispatcher(logger shared.LoggerAdapter, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	d := &Dispatcher{
		logger:         logger.With(zap.String("component", "dispatcher")),
		defaultTimeout: DefaultTimeout,
		overrides:      make(map[string]time.Duration),
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a tool. Names are unique; the schema is compiled up front so a
// broken schema fails here rather than on the first call.
func (d *Dispatcher) Register(tool Tool, handler Handler) error {
	tool.Name = strings.TrimSpace(tool.Name)
	if tool.Name == "" {
		return ErrEmptyName
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, tool.Name)
	}
	schema, err := compileSchema(tool.Schema)
	if err != nil {
		return fmt.Errorf("registering %s: %w", tool.Name, err)
	}
	if len(tool.Schema) == 0 {
		tool.Schema = EmptyObjectSchema
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, tool.Name)
	}
	d.entries[tool.Name] = &entry{tool: tool, schema: schema, handler: handler}
	return nil
}

func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[name]
	return ok
}

// Tools returns the registered declarations sorted by name.
func (d *Dispatcher) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tool, 0, len(d.entries))
	for _, e := range d.entries {
		t := e.tool
		t.Timeout = d.timeoutFor(e)
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Dispatch runs one call and always returns its Result. Safe for concurrent use;
// overlapping calls complete in any order and are matched by Result.CallID.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Result {
	start := time.Now()
	res := d.dispatch(ctx, inv)
	res.CallID = inv.ID
	res.Tool = inv.Tool
	res.Duration = time.Since(start)

	logger := d.logger.With(
		zap.String("session_id", inv.SessionID),
		zap.String("call_id", inv.ID),
		zap.String("tool", inv.Tool),
		zap.Duration("duration", res.Duration),
	)
	if res.OK() {
		logger.Debug("tool call succeeded")
	} else {
		logger.Warn("tool call failed", zap.String("kind", string(res.Failure.Kind)), zap.String("message", res.Failure.Message))
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, inv Invocation) Result {
	d.mu.RLock()
	e, ok := d.entries[inv.Tool]
	d.mu.RUnlock()
	if !ok {
		return failed(inv.Call, KindUnknownTool, "no tool named %q is registered", inv.Tool)
	}

	args, err := validateArgs(e.schema, inv.Arguments)
	if err != nil {
		return failed(inv.Call, KindInvalidArguments, "%s", err.Error())
	}
	inv.Arguments = args

	timeout := d.timeoutFor(e)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so an abandoned handler can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool handler panicked", fmt.Errorf("%v", r),
					zap.String("tool", inv.Tool), zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		v, err := e.handler(callCtx, inv)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return failed(inv.Call, KindTimeout, "%s did not complete within %s", inv.Tool, timeout)
			}
			return failed(inv.Call, KindHandlerError, "%s", out.err.Error())
		}
		payload, err := sonic.Marshal(out.value)
		if err != nil {
			return failed(inv.Call, KindHandlerError, "encoding result: %s", err.Error())
		}
		return Result{Value: out.value, Payload: payload}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return failed(inv.Call, KindHandlerError, "call abandoned: %s", context.Cause(ctx))
		}
		return failed(inv.Call, KindTimeout, "%s did not complete within %s", inv.Tool, timeout)
	}
}

func (d *Dispatcher) timeoutFor(e *entry) time.Duration {
	if t, ok := d.overrides[e.tool.Name]; ok {
		return t
	}
	if e.tool.Timeout > 0 {
		return e.tool.Timeout
	}
	return d.defaultTimeout
}
