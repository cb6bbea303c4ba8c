package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bt-bridge/concierge/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Status int32

const (
	StatusNew Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusOpen:
		return "OPEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Dispatcher runs tool calls. *capability.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv capability.Invocation) capability.Result
}

var errSessionStopped = errors.New("session stopped")

// Session bridges one client connection with one model peer.
//
// Run services whichever side has a frame ready. Client frames go to the model
// in arrival order. Model output goes to the client in arrival order, except
// tool calls, which are dispatched in the background and answered with a
// function_call_output once their result is in. When either side goes away the
// session stops forwarding, waits for outstanding calls and drops their
// results, then discards its state.
type Session struct {
	id         string
	clientIP   string
	client     Conn
	model      Conn
	dispatcher Dispatcher
	store      state.Store
	bindings   Bindings
	metrics    *Metrics
	logger     shared.LoggerAdapter
	onStatus   func(Status)

	status  atomic.Int32
	running atomic.Bool

	// Owned by the loop goroutine.
	seen       map[string]struct{}
	pending    int
	responding bool
	followUp   bool

	inflight sync.WaitGroup
	stopped  chan struct{}
}

type SessionOption func(*Session)

func WithBindings(b Bindings) SessionOption {
	return func(s *Session) {
		s.bindings = b
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

func WithSessionLogger(logger shared.LoggerAdapter) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientIP records the client's address for tools that need it.
func WithClientIP(ip string) SessionOption {
	return func(s *Session) {
		s.clientIP = ip
	}
}

// WithStatusHook is called on every status transition.
func WithStatusHook(fn func(Status)) SessionOption {
	return func(s *Session) {
		s.onStatus = fn
	}
}

func NewSession(id string, client, model Conn, dispatcher Dispatcher, store state.Store, opts ...SessionOption) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, state.ErrInvalidID
	}
	if client == nil || model == nil {
		return nil, shared.ErrClientNotInitialized
	}
	if dispatcher == nil {
		return nil, shared.ErrNoDispatcher
	}
	if store == nil {
		return nil, shared.ErrNoStore
	}
	s := &Session{
		id:         id,
		client:     client,
		model:      model,
		dispatcher: dispatcher,
		store:      store,
		bindings:   Bindings{},
		logger:     shared.NewNopLogger(),
		seen:       make(map[string]struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", id))
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// State returns a snapshot of the session's slots.
func (s *Session) State(ctx context.Context) (state.SessionState, error) {
	return s.store.Read(ctx, s.id)
}

// Run blocks until the session is CLOSED. A disconnect from either side is a
// normal end and returns nil; transport failures and ctx cancellation are
// returned. Both connections are closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return shared.ErrSessionAlreadyRunning
	}
	if err := s.store.Init(ctx, s.id); err != nil {
		s.closeConns()
		return fmt.Errorf("initializing session state: %w", err)
	}
	s.metrics.sessionStarted()
	defer s.metrics.sessionEnded()
	s.setStatus(StatusOpen)

	loopCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(loopCtx)
	clientIn := make(chan Frame)
	modelIn := make(chan Frame)
	g.Go(func() error { return pump(gctx, s.client, clientIn) })
	g.Go(func() error { return pump(gctx, s.model, modelIn) })
	results := make(chan capability.Result)

	err := s.loop(loopCtx, clientIn, modelIn, results)

	s.setStatus(StatusClosing)
	close(s.stopped)
	cancel(errSessionStopped)
	s.closeConns()
	if pumpErr := g.Wait(); err == nil {
		err = pumpErr
	}
	s.inflight.Wait()
	s.setStatus(StatusClosed)

	if derr := s.store.Discard(context.WithoutCancel(ctx), s.id); derr != nil {
		s.logger.Error("discarding session state failed", derr)
	}
	if err != nil {
		s.logger.Warn("session ended with error", zap.Error(err))
	}
	return err
}

func (s *Session) loop(ctx context.Context, clientIn, modelIn <-chan Frame, results chan capability.Result) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case f, ok := <-clientIn:
			if !ok {
				s.logger.Info("client disconnected")
				return nil
			}
			s.metrics.frame(SourceClient)
			if err := s.forwardClient(ctx, f); err != nil {
				return err
			}
		case f, ok := <-modelIn:
			if !ok {
				s.logger.Info("model peer disconnected")
				return nil
			}
			s.metrics.frame(SourceModel)
			if err := s.handleModel(ctx, f, results); err != nil {
				return err
			}
		case res := <-results:
			if err := s.complete(ctx, res); err != nil {
				return err
			}
		}
	}
}

// forwardClient passes text through unchanged. Binary audio is wrapped in an
// input_audio_buffer.append since the model peer only takes text.
func (s *Session) forwardClient(ctx context.Context, f Frame) error {
	payload := f.Payload
	if f.Binary {
		var err error
		if payload, err = EncodeAudioAppend(f.Payload); err != nil {
			return err
		}
		s.metrics.audio(len(f.Payload))
	}
	if err := s.model.Send(ctx, TextFrame(payload)); err != nil {
		return fmt.Errorf("forwarding %s: %w", f, err)
	}
	return nil
}

func (s *Session) handleModel(ctx context.Context, f Frame, results chan<- capability.Result) error {
	if !f.Binary {
		if call, ok := ParseToolCall(f.Payload); ok {
			if _, dup := s.seen[call.ID]; dup {
				s.logger.Debug("ignoring repeated tool call event", zap.String("call_id", call.ID))
				return nil
			}
			s.seen[call.ID] = struct{}{}
			// A function call is always part of a response in progress.
			s.responding = true
			s.dispatch(ctx, call, results)
			return nil
		}
	}
	if err := s.client.Send(ctx, Frame{Binary: f.Binary, Payload: f.Payload}); err != nil {
		return fmt.Errorf("forwarding %s: %w", f, err)
	}
	if f.Binary {
		return nil
	}
	return s.trackResponse(ctx, f.Payload)
}

// trackResponse follows the model's response lifecycle. The model rejects
// response.create while a response is active.
func (s *Session) trackResponse(ctx context.Context, payload []byte) error {
	typ, err := PeekType(payload)
	if err != nil {
		return nil
	}
	switch ServerEventType(typ) {
	case ServerEventTypeResponseCreated:
		s.responding = true
	case ServerEventTypeResponseDone:
		s.responding = false
		return s.requestResponse(ctx)
	}
	return nil
}

// dispatch starts call in the background. The handler does not inherit the
// session's cancellation; only the dispatcher timeout bounds it.
func (s *Session) dispatch(ctx context.Context, call capability.Call, results chan<- capability.Result) {
	logger := s.logger.With(zap.String("call_id", call.ID), zap.String("tool", call.Tool))
	if b, ok := s.bindings[call.Tool]; ok && b.Dispatched != nil {
		if err := b.Dispatched(ctx, s.slots(), call); err != nil {
			logger.Warn("updating state for dispatched call failed", zap.Error(err))
		}
	}
	logger.Debug("dispatching tool call")

	s.pending++
	s.inflight.Add(1)
	inv := capability.Invocation{Call: call, SessionID: s.id, ClientIP: s.clientIP}
	go func() {
		defer s.inflight.Done()
		res := s.dispatcher.Dispatch(context.WithoutCancel(ctx), inv)
		res.CallID = call.ID
		if res.Tool == "" {
			res.Tool = call.Tool
		}
		select {
		case results <- res:
		case <-s.stopped:
			s.metrics.toolCall(res)
			s.metrics.discarded()
			logger.Info("discarding tool result after session stopped", zap.String("outcome", res.Outcome()))
		}
	}()
}

// complete applies the result's slot binding, then hands the result to the
// model.
func (s *Session) complete(ctx context.Context, res capability.Result) error {
	s.pending--
	s.metrics.toolCall(res)
	logger := s.logger.With(zap.String("call_id", res.CallID), zap.String("tool", res.Tool))

	if b, ok := s.bindings[res.Tool]; ok && b.Completed != nil {
		if err := b.Completed(ctx, s.slots(), res); err != nil {
			logger.Warn("updating state from tool result failed", zap.Error(err))
			if res.OK() {
				res = res.Fail(capability.KindHandlerError, err.Error())
			}
		}
	}

	out, err := EncodeToolOutput(res)
	if err != nil {
		return err
	}
	if err := s.model.Send(ctx, TextFrame(out)); err != nil {
		return fmt.Errorf("returning result of %s: %w", res.CallID, err)
	}
	logger.Debug("tool result returned", zap.String("outcome", res.Outcome()), zap.Duration("duration", res.Duration))

	s.followUp = true
	return s.requestResponse(ctx)
}

// requestResponse asks the model to answer the returned results once the
// current response is done and no call is outstanding.
func (s *Session) requestResponse(ctx context.Context) error {
	if !s.followUp || s.pending > 0 || s.responding {
		return nil
	}
	rc, err := EncodeResponseCreate()
	if err != nil {
		return err
	}
	if err := s.model.Send(ctx, TextFrame(rc)); err != nil {
		return fmt.Errorf("requesting response: %w", err)
	}
	s.followUp = false
	s.responding = true
	return nil
}

func (s *Session) slots() SessionSlots {
	return NewSessionSlots(s.store, s.id)
}

func (s *Session) setStatus(st Status) {
	prev := Status(s.status.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Debug("session status changed", zap.Stringer("prev", prev), zap.Stringer("new", st))
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *Session) closeConns() {
	if err := s.client.Close(); err != nil {
		s.logger.Debug("closing client connection", zap.Error(err))
	}
	if err := s.model.Close(); err != nil {
		s.logger.Debug("closing model peer", zap.Error(err))
	}
}

// pump feeds one side's frames into out until that side ends. A disconnect is
// not an error.
func pump(ctx context.Context, conn Conn, out chan<- Frame) error {
	defer close(out)
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		}
	}
}
