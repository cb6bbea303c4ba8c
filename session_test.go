package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/concierge/capability"
	"github.com/bt-bridge/concierge/shared"
	"github.com/bt-bridge/concierge/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type place struct {
	ID   string `json:"fsq_place_id"`
	Name string `json:"name"`
}

type harness struct {
	client  *fakeConn
	model   *fakeConn
	store   *state.MemoryStore
	session *Session
	metrics *Metrics
	done    chan error

	mu       sync.Mutex
	statuses []Status
}

func startSession(t *testing.T, disp Dispatcher, bindings Bindings) *harness {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	h := &harness{
		client:  newFakeConn(SourceClient),
		model:   newFakeConn(SourceModel),
		store:   state.NewMemoryStore(),
		metrics: metrics,
		done:    make(chan error, 1),
	}
	h.session, err = NewSession("sess-1", h.client, h.model, disp, h.store,
		WithBindings(bindings),
		WithMetrics(metrics),
		WithClientIP("203.0.113.7"),
		WithStatusHook(func(s Status) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.statuses = append(h.statuses, s)
		}),
	)
	require.NoError(t, err)
	go func() { h.done <- h.session.Run(context.Background()) }()
	waitFor(t, func() bool { return h.session.Status() == StatusOpen }, "session never opened")
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) transitions() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...)
}

func functionCallDone(callID, name, args string) string {
	b, _ := json.Marshal(map[string]any{
		"type":         "response.output_item.done",
		"event_id":     "evt_" + callID,
		"response_id":  "resp_1",
		"output_index": 0,
		"item": map[string]any{
			"id":        "item_" + callID,
			"type":      "function_call",
			"status":    "completed",
			"call_id":   callID,
			"name":      name,
			"arguments": args,
		},
	})
	return string(b)
}

func argumentsDone(callID, name, args string) string {
	b, _ := json.Marshal(map[string]any{
		"type":         "response.function_call_arguments.done",
		"event_id":     "evt_args_" + callID,
		"response_id":  "resp_1",
		"item_id":      "item_" + callID,
		"output_index": 0,
		"call_id":      callID,
		"name":         name,
		"arguments":    args,
	})
	return string(b)
}

type toolOutput struct {
	CallID string
	Result json.RawMessage
	Error  *capability.Failure
}

func decodeToolOutput(t *testing.T, f Frame) toolOutput {
	t.Helper()
	var ev struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &ev), "payload: %s", f.Payload)
	require.Equal(t, "conversation.item.create", ev.Type, "payload: %s", f.Payload)
	require.Equal(t, "function_call_output", ev.Item.Type)

	var out struct {
		Result json.RawMessage     `json:"result"`
		Error  *capability.Failure `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(ev.Item.Output), &out))
	return toolOutput{CallID: ev.Item.CallID, Result: out.Result, Error: out.Error}
}

const responseDone = `{"type":"response.done","response":{"status":"completed"}}`

func eventType(t *testing.T, f Frame) string {
	t.Helper()
	typ, err := PeekType(f.Payload)
	require.NoError(t, err)
	return string(typ)
}

func searchResultsBinding() Binding {
	return Binding{
		Completed: func(ctx context.Context, slots SessionSlots, res capability.Result) error {
			if !res.OK() {
				return nil
			}
			places := res.Value.([]place)
			offers := make([]state.Offer, len(places))
			for i, p := range places {
				offers[i] = state.Offer{ID: p.ID, Kind: state.OfferKindPlace, Title: p.Name}
			}
			return slots.Write(ctx, state.SlotSearchResults, offers)
		},
	}
}

func TestSessionForwardsFramesInOrder(t *testing.T) {
	h := startSession(t, capability.NewDispatcher(nil), nil)

	for i := range 20 {
		h.client.deliver(t, fmt.Sprintf(`{"type":"conversation.item.create","n":%d}`, i), false)
		h.model.deliver(t, fmt.Sprintf(`{"type":"response.output_text.delta","delta":"%d"}`, i), false)
	}
	h.client.deliver(t, "", false)
	h.client.deliver(t, "\x01\x02\x03\x04", true)

	for i := range 20 {
		f := h.model.next(t)
		assert.JSONEq(t, fmt.Sprintf(`{"type":"conversation.item.create","n":%d}`, i), string(f.Payload))
		assert.False(t, f.Binary)
	}
	empty := h.model.next(t)
	assert.Empty(t, empty.Payload, "empty frames are forwarded, not treated as a disconnect")

	audio := h.model.next(t)
	assert.Equal(t, "input_audio_buffer.append", eventType(t, audio))
	var appendEv struct {
		Audio string `json:"audio"`
	}
	require.NoError(t, json.Unmarshal(audio.Payload, &appendEv))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}), appendEv.Audio)

	for i := range 20 {
		f := h.client.next(t)
		assert.JSONEq(t, fmt.Sprintf(`{"type":"response.output_text.delta","delta":"%d"}`, i), string(f.Payload))
	}

	h.client.disconnect()
	require.NoError(t, h.wait(t))
	assert.Equal(t, []Status{StatusOpen, StatusClosing, StatusClosed}, h.transitions())
	assert.Equal(t, 0, h.store.Len(), "state is discarded with the session")
	assert.True(t, h.model.isClosed())
	assert.True(t, h.client.isClosed())
	assert.Equal(t, float64(22), testutil.ToFloat64(h.metrics.framesTotal.WithLabelValues("client")))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.sessionsActive))
	assert.InDelta(t, 2.0/24000, testutil.ToFloat64(h.metrics.clientAudio), 1e-6)
}

func TestSessionSearchNearFortGreene(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	var gotArgs struct {
		Where string `json:"where"`
		What  string `json:"what"`
	}
	require.NoError(t, disp.Register(capability.Tool{Name: "search_near", Schema: json.RawMessage(`{
		"type":"object",
		"properties":{"where":{"type":"string"},"what":{"type":"string"}},
		"required":["where","what"]
	}`)}, func(_ context.Context, inv capability.Invocation) (any, error) {
		if err := inv.Decode(&gotArgs); err != nil {
			return nil, err
		}
		return []place{
			{ID: "4a1", Name: "Greenlight Coffee"},
			{ID: "4a2", Name: "Hungry Ghost"},
			{ID: "4a3", Name: "Bittersweet"},
		}, nil
	}))
	h := startSession(t, disp, Bindings{"search_near": searchResultsBinding()})

	h.client.deliver(t, `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"find me a coffee shop near Fort Greene"}]}}`, false)
	assert.Contains(t, string(h.model.next(t).Payload), "Fort Greene")

	h.model.deliver(t, functionCallDone("call_1", "search_near", `{"where":"Fort Greene","what":"coffee shop"}`), false)
	h.model.deliver(t, responseDone, false)

	out := decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_1", out.CallID)
	require.Nil(t, out.Error)
	var places []place
	require.NoError(t, json.Unmarshal(out.Result, &places))
	assert.Len(t, places, 3)
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)))
	assert.Equal(t, "Fort Greene", gotArgs.Where)
	assert.Equal(t, "coffee shop", gotArgs.What)

	st, err := h.session.State(context.Background())
	require.NoError(t, err)
	require.Len(t, st.SearchResults, 3)
	assert.Equal(t, "Greenlight Coffee", st.SearchResults[0].Title)

	assert.Equal(t, "response.done", eventType(t, h.client.next(t)))
	h.client.assertNothingSent(t, 20*time.Millisecond)
	h.client.disconnect()
	require.NoError(t, h.wait(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.toolCallsTotal.WithLabelValues("search_near", "ok")))
}

func TestSessionRejectsSelectionOutsideSearchResults(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	require.NoError(t, disp.Register(capability.Tool{Name: "select_offer", Schema: json.RawMessage(`{
		"type":"object","properties":{"offer_id":{"type":"string"}},"required":["offer_id"]
	}`)}, func(_ context.Context, inv capability.Invocation) (any, error) {
		var args struct {
			OfferID string `json:"offer_id"`
		}
		if err := inv.Decode(&args); err != nil {
			return nil, err
		}
		return state.Selection{OfferID: args.OfferID}, nil
	}))
	bindings := Bindings{"select_offer": {
		Completed: func(ctx context.Context, slots SessionSlots, res capability.Result) error {
			return slots.Write(ctx, state.SlotSelection, res.Value)
		},
	}}
	h := startSession(t, disp, bindings)

	h.model.deliver(t, functionCallDone("call_sel", "select_offer", `{"offer_id":"XYZ"}`), false)
	h.model.deliver(t, responseDone, false)

	out := decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_sel", out.CallID)
	require.NotNil(t, out.Error)
	assert.Equal(t, capability.KindHandlerError, out.Error.Kind)
	assert.Contains(t, out.Error.Message, state.ErrInvalidSelection.Error())
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)))

	st, err := h.session.State(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Selection.OfferID)

	// The session keeps running after a failed call.
	h.client.deliver(t, `{"type":"response.create"}`, false)
	assert.JSONEq(t, `{"type":"response.create"}`, string(h.model.next(t).Payload))

	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionToolTimeoutDoesNotBlockFrames(t *testing.T) {
	disp := capability.NewDispatcher(nil, capability.WithTimeouts(map[string]time.Duration{"slow": 150 * time.Millisecond}))
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, disp.Register(capability.Tool{Name: "slow"}, func(context.Context, capability.Invocation) (any, error) {
		<-release
		return "too late", nil
	}))
	h := startSession(t, disp, nil)

	h.model.deliver(t, functionCallDone("call_slow", "slow", `{}`), false)

	// Both directions keep flowing while the call is outstanding.
	h.client.deliver(t, `{"type":"input_audio_buffer.commit"}`, false)
	assert.Equal(t, "input_audio_buffer.commit", eventType(t, h.model.next(t)))
	h.model.deliver(t, `{"type":"response.output_audio_transcript.delta","delta":"one moment"}`, false)
	assert.Equal(t, "response.output_audio_transcript.delta", eventType(t, h.client.next(t)))

	out := decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_slow", out.CallID)
	require.NotNil(t, out.Error)
	assert.Equal(t, capability.KindTimeout, out.Error.Kind)

	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionDiscardsResultAfterDisconnect(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, disp.Register(capability.Tool{Name: "flight_create_order"}, func(ctx context.Context, _ capability.Invocation) (any, error) {
		defer close(finished)
		close(started)
		<-release
		return map[string]string{"id": "ORDER-1"}, ctx.Err()
	}))
	var completed bool
	bindings := Bindings{"flight_create_order": {
		Dispatched: func(ctx context.Context, slots SessionSlots, _ capability.Call) error {
			return slots.Write(ctx, state.SlotHold, state.Hold{Status: state.HoldPending})
		},
		Completed: func(context.Context, SessionSlots, capability.Result) error {
			completed = true
			return nil
		},
	}}
	h := startSession(t, disp, bindings)

	h.model.deliver(t, functionCallDone("call_book", "flight_create_order", `{}`), false)
	<-started
	st, err := h.session.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.HoldPending, st.Hold.Status)

	h.client.disconnect()
	waitFor(t, func() bool { return h.session.Status() == StatusClosing }, "session never started closing")
	select {
	case <-h.done:
		t.Fatal("session closed while a call was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-finished
	require.NoError(t, h.wait(t), "a discarded result is not an error")
	assert.Equal(t, []Status{StatusOpen, StatusClosing, StatusClosed}, h.transitions())
	assert.False(t, completed, "discarded results do not touch state")
	h.model.assertNothingSent(t, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.resultsDiscarded))
	assert.Equal(t, 0, h.store.Len())
}

func TestSessionIgnoresRepeatedCallEvents(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	var mu sync.Mutex
	calls := 0
	require.NoError(t, disp.Register(capability.Tool{Name: "get_location"}, func(context.Context, capability.Invocation) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return map[string]string{"city": "Brooklyn"}, nil
	}))
	h := startSession(t, disp, nil)

	h.model.deliver(t, argumentsDone("call_loc", "get_location", `{}`), false)
	h.model.deliver(t, functionCallDone("call_loc", "get_location", `{}`), false)
	h.model.deliver(t, responseDone, false)

	out := decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_loc", out.CallID)
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)))
	h.model.assertNothingSent(t, 50*time.Millisecond)
	assert.Equal(t, "response.done", eventType(t, h.client.next(t)), "call events are not forwarded")
	h.client.assertNothingSent(t, 0)

	h.client.disconnect()
	require.NoError(t, h.wait(t))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSessionOverlappingCalls(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	releaseFirst := make(chan struct{})
	require.NoError(t, disp.Register(capability.Tool{Name: "first"}, func(context.Context, capability.Invocation) (any, error) {
		<-releaseFirst
		return "first", nil
	}))
	require.NoError(t, disp.Register(capability.Tool{Name: "second"}, func(context.Context, capability.Invocation) (any, error) {
		return "second", nil
	}))
	h := startSession(t, disp, nil)

	h.model.deliver(t, functionCallDone("call_a", "first", `{}`), false)
	h.model.deliver(t, functionCallDone("call_b", "second", `{}`), false)
	h.model.deliver(t, responseDone, false)

	out := decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_b", out.CallID, "results are matched by call id, not dispatch order")
	h.model.assertNothingSent(t, 30*time.Millisecond)

	close(releaseFirst)
	out = decodeToolOutput(t, h.model.next(t))
	assert.Equal(t, "call_a", out.CallID)
	assert.JSONEq(t, `"first"`, string(out.Result))
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)), "one response once every call is answered")
	h.model.assertNothingSent(t, 30*time.Millisecond)

	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionRequestsOneResponseAfterActiveResponse(t *testing.T) {
	disp := capability.NewDispatcher(nil)
	for _, name := range []string{"fast_a", "fast_b", "fast_c"} {
		require.NoError(t, disp.Register(capability.Tool{Name: name}, func(_ context.Context, inv capability.Invocation) (any, error) {
			return inv.Call.Tool, nil
		}))
	}
	h := startSession(t, disp, nil)

	h.model.deliver(t, `{"type":"response.created","response":{"id":"resp_1"}}`, false)
	h.model.deliver(t, functionCallDone("call_a", "fast_a", `{}`), false)
	h.model.deliver(t, functionCallDone("call_b", "fast_b", `{}`), false)

	ids := []string{decodeToolOutput(t, h.model.next(t)).CallID, decodeToolOutput(t, h.model.next(t)).CallID}
	assert.ElementsMatch(t, []string{"call_a", "call_b"}, ids)
	h.model.assertNothingSent(t, 30*time.Millisecond)

	h.model.deliver(t, responseDone, false)
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)))
	h.model.assertNothingSent(t, 30*time.Millisecond)
	assert.Equal(t, "response.created", eventType(t, h.client.next(t)))
	assert.Equal(t, "response.done", eventType(t, h.client.next(t)))

	// The requested response calls another tool.
	h.model.deliver(t, `{"type":"response.created","response":{"id":"resp_2"}}`, false)
	h.model.deliver(t, functionCallDone("call_c", "fast_c", `{}`), false)
	assert.Equal(t, "call_c", decodeToolOutput(t, h.model.next(t)).CallID)
	h.model.assertNothingSent(t, 30*time.Millisecond)
	h.model.deliver(t, responseDone, false)
	assert.Equal(t, "response.create", eventType(t, h.model.next(t)))

	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionUnknownToolIsAnsweredNotFatal(t *testing.T) {
	h := startSession(t, capability.NewDispatcher(nil), nil)

	h.model.deliver(t, functionCallDone("call_x", "teleport", `{}`), false)
	out := decodeToolOutput(t, h.model.next(t))
	require.NotNil(t, out.Error)
	assert.Equal(t, capability.KindUnknownTool, out.Error.Kind)
	assert.Equal(t, StatusOpen, h.session.Status())

	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionEndsWhenModelDisconnects(t *testing.T) {
	h := startSession(t, capability.NewDispatcher(nil), nil)

	h.model.disconnect()
	require.NoError(t, h.wait(t))
	assert.True(t, h.client.isClosed())
	assert.Equal(t, StatusClosed, h.session.Status())
}

func TestSessionSendFailureIsTerminal(t *testing.T) {
	h := startSession(t, capability.NewDispatcher(nil), nil)
	h.client.failSends(shared.ErrConnectionClosed)

	h.model.deliver(t, `{"type":"response.output_text.delta","delta":"hi"}`, false)
	err := h.wait(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConnectionClosed))
	assert.Equal(t, StatusClosed, h.session.Status())
}

func TestSessionRunTwice(t *testing.T) {
	h := startSession(t, capability.NewDispatcher(nil), nil)
	assert.ErrorIs(t, h.session.Run(context.Background()), shared.ErrSessionAlreadyRunning)
	h.client.disconnect()
	require.NoError(t, h.wait(t))
}

func TestSessionCancelledByContext(t *testing.T) {
	client, model := newFakeConn(SourceClient), newFakeConn(SourceModel)
	sess, err := NewSession("sess-ctx", client, model, capability.NewDispatcher(nil), state.NewMemoryStore())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	waitFor(t, func() bool { return sess.Status() == StatusOpen }, "session never opened")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("session ignored cancellation")
	}
	assert.True(t, client.isClosed())
	assert.True(t, model.isClosed())
}

func TestNewSessionValidation(t *testing.T) {
	c, m := newFakeConn(SourceClient), newFakeConn(SourceModel)
	d := capability.NewDispatcher(nil)
	s := state.NewMemoryStore()

	_, err := NewSession(" ", c, m, d, s)
	assert.ErrorIs(t, err, state.ErrInvalidID)
	_, err = NewSession("id", nil, m, d, s)
	assert.ErrorIs(t, err, shared.ErrClientNotInitialized)
	_, err = NewSession("id", c, m, nil, s)
	assert.ErrorIs(t, err, shared.ErrNoDispatcher)
	_, err = NewSession("id", c, m, d, nil)
	assert.ErrorIs(t, err, shared.ErrNoStore)
}
