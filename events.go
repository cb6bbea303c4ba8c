package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bt-bridge/concierge/capability"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/realtime"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types the session looks into. Everything else passes through
// untouched.
const (
	ServerEventTypeError                                            ServerEventType = "error"
	ServerEventTypeConversationItemInputAudioTranscriptionCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseCreated                                  ServerEventType = "response.created"
	ServerEventTypeResponseDone                                     ServerEventType = "response.done"
	ServerEventTypeResponseOutputItemDone                           ServerEventType = "response.output_item.done"
	ServerEventTypeResponseOutputTextDelta                          ServerEventType = "response.output_text.delta"
	ServerEventTypeResponseOutputAudioTranscriptDelta               ServerEventType = "response.output_audio_transcript.delta"
	ServerEventTypeResponseFunctionCallArgumentsDone                ServerEventType = "response.function_call_arguments.done"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

const itemTypeFunctionCall = "function_call"

var ErrUnhandledEvent = errors.New("unhandled event type")

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// PeekType reads only the "type" member of a raw event.
func PeekType(data []byte) (EventType, error) {
	node, err := sonic.Get(data, "type")
	if err != nil {
		return "", fmt.Errorf("reading event type: %w", err)
	}
	typ, err := node.StrictString()
	if err != nil {
		return "", fmt.Errorf("reading event type: %w", err)
	}
	return EventType(typ), nil
}

type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

// ParseServerEvent decodes the event types listed above. Other types fail with
// ErrUnhandledEvent.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = ServerEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeResponseOutputItemDone:
		e.Param = new(ServerEventParamResponseOutputItemDone)
	case ServerEventTypeResponseFunctionCallArgumentsDone:
		e.Param = new(ServerEventParamResponseFunctionCallArgumentsDone)
	case ServerEventTypeResponseOutputTextDelta, ServerEventTypeResponseOutputAudioTranscriptDelta:
		e.Param = new(ServerEventParamDelta)
	case ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		e.Param = new(ServerEventParamTranscriptionCompleted)
	default:
		return fmt.Errorf("%w: %s", ErrUnhandledEvent, e.Type)
	}
	return e.Param.New(raw)
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return marshalEvent(EventType(e.Type), e.EventId, e.Param)
}

// ToolCaller is implemented by server events that can carry a function call.
type ToolCaller interface {
	ToolCall() (capability.Call, bool)
}

// ParseToolCall reports whether a raw model message is a tool call request.
// Anything that is not one, including malformed JSON, is conversational output.
func ParseToolCall(data []byte) (capability.Call, bool) {
	typ, err := PeekType(data)
	if err != nil {
		return capability.Call{}, false
	}
	switch ServerEventType(typ) {
	case ServerEventTypeResponseOutputItemDone, ServerEventTypeResponseFunctionCallArgumentsDone:
	default:
		return capability.Call{}, false
	}
	e, err := ParseServerEvent(data)
	if err != nil {
		return capability.Call{}, false
	}
	caller, ok := e.Param.(ToolCaller)
	if !ok {
		return capability.Call{}, false
	}
	return caller.ToolCall()
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	Param   string
	EventId string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	p.Message, _ = errObj["message"].(string)
	p.Param, _ = errObj["param"].(string)
	p.EventId, _ = errObj["event_id"].(string)
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"code":     p.Code,
			"message":  p.Message,
			"param":    p.Param,
			"event_id": p.EventId,
		},
	}
}

// response.output_item.done
type ServerEventParamResponseOutputItemDone struct {
	ResponseId  string
	OutputIndex int
	Item        map[string]any
}

func (p *ServerEventParamResponseOutputItemDone) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := m["item"].(map[string]any); ok {
		p.Item = v
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ServerEventParamResponseOutputItemDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"output_index": p.OutputIndex,
		"item":         p.Item,
	}
}

func (p *ServerEventParamResponseOutputItemDone) ToolCall() (capability.Call, bool) {
	if typ, _ := p.Item["type"].(string); typ != itemTypeFunctionCall {
		return capability.Call{}, false
	}
	callID, _ := p.Item["call_id"].(string)
	name, _ := p.Item["name"].(string)
	args, _ := p.Item["arguments"].(string)
	if callID == "" || name == "" {
		return capability.Call{}, false
	}
	return capability.Call{ID: callID, Tool: name, Arguments: json.RawMessage(args)}, true
}

// response.function_call_arguments.done
type ServerEventParamResponseFunctionCallArgumentsDone struct {
	ResponseId  string
	ItemId      string
	OutputIndex int
	CallId      string
	Name        string
	Arguments   string
}

func (p *ServerEventParamResponseFunctionCallArgumentsDone) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	if v, ok := asInt(m["output_index"]); ok {
		p.OutputIndex = v
	}
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	p.Name, _ = m["name"].(string)
	if v, ok := m["arguments"].(string); ok {
		p.Arguments = v
	} else {
		return errors.New("missing arguments")
	}
	return nil
}

func (p *ServerEventParamResponseFunctionCallArgumentsDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"item_id":      p.ItemId,
		"output_index": p.OutputIndex,
		"call_id":      p.CallId,
		"name":         p.Name,
		"arguments":    p.Arguments,
	}
}

// ToolCall needs the name, which only some server versions put on this event.
// Without it the call is picked up from response.output_item.done instead.
func (p *ServerEventParamResponseFunctionCallArgumentsDone) ToolCall() (capability.Call, bool) {
	if p.CallId == "" || p.Name == "" {
		return capability.Call{}, false
	}
	return capability.Call{ID: p.CallId, Tool: p.Name, Arguments: json.RawMessage(p.Arguments)}, true
}

// response.output_text.delta, response.output_audio_transcript.delta
type ServerEventParamDelta struct {
	ResponseId   string
	ItemId       string
	OutputIndex  int
	ContentIndex int
	Delta        string
}

func (p *ServerEventParamDelta) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	p.OutputIndex, _ = asInt(m["output_index"])
	p.ContentIndex, _ = asInt(m["content_index"])
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

func (p *ServerEventParamDelta) Json() map[string]any {
	return map[string]any{
		"response_id":   p.ResponseId,
		"item_id":       p.ItemId,
		"output_index":  p.OutputIndex,
		"content_index": p.ContentIndex,
		"delta":         p.Delta,
	}
}

// conversation.item.input_audio_transcription.completed
type ServerEventParamTranscriptionCompleted struct {
	ItemId       string
	ContentIndex int
	Transcript   string
}

func (p *ServerEventParamTranscriptionCompleted) New(m map[string]any) error {
	p.ItemId, _ = m["item_id"].(string)
	p.ContentIndex, _ = asInt(m["content_index"])
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

func (p *ServerEventParamTranscriptionCompleted) Json() map[string]any {
	return map[string]any{
		"item_id":       p.ItemId,
		"content_index": p.ContentIndex,
		"transcript":    p.Transcript,
	}
}

type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return marshalEvent(EventType(e.Type), e.EventId, e.Param)
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session *realtime.RealtimeSessionCreateRequestParam
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	raw, ok := m["session"]
	if !ok {
		return errors.New("missing session")
	}
	b, err := sonic.Marshal(raw)
	if err != nil {
		return err
	}
	p.Session = new(realtime.RealtimeSessionCreateRequestParam)
	return p.Session.UnmarshalJSON(b)
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	if p.Session == nil {
		return map[string]any{"session": map[string]any{}}
	}
	b, err := p.Session.MarshalJSON()
	if err != nil {
		return map[string]any{"session": map[string]any{}}
	}
	return map[string]any{"session": json.RawMessage(b)}
}

// input_audio_buffer.append
type ClientEventParamInputAudioBufferAppend struct {
	Audio []byte
}

func (p *ClientEventParamInputAudioBufferAppend) New(m map[string]any) error {
	v, ok := m["audio"].(string)
	if !ok {
		return errors.New("missing audio")
	}
	audio, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return fmt.Errorf("decoding audio: %w", err)
	}
	p.Audio = audio
	return nil
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{
		"audio": base64.StdEncoding.EncodeToString(p.Audio),
	}
}

// conversation.item.create
type ClientEventParamConversationItemCreate struct {
	PreviousItemId string
	Item           map[string]any
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	p.PreviousItemId, _ = m["previous_item_id"].(string)
	if v, ok := m["item"].(map[string]any); ok {
		p.Item = v
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	out := map[string]any{"item": p.Item}
	if p.PreviousItemId != "" {
		out["previous_item_id"] = p.PreviousItemId
	}
	return out
}

// response.create
type ClientEventParamResponseCreate struct {
	Response map[string]any
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	p.Response, _ = m["response"].(map[string]any)
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	if len(p.Response) == 0 {
		return map[string]any{}
	}
	return map[string]any{"response": p.Response}
}

// EncodeSessionUpdate builds the session.update sent right after connecting.
func EncodeSessionUpdate(cfg *realtime.RealtimeSessionCreateRequestParam) ([]byte, error) {
	return encodeClientEvent(ClientEventTypeSessionUpdate, &ClientEventParamSessionUpdate{Session: cfg})
}

// EncodeAudioAppend wraps a PCM16 chunk for a text-only peer.
func EncodeAudioAppend(pcm []byte) ([]byte, error) {
	return encodeClientEvent(ClientEventTypeInputAudioBufferAppend, &ClientEventParamInputAudioBufferAppend{Audio: pcm})
}

// EncodeToolOutput adds a function_call_output item carrying res to the
// conversation. The model only continues after a response.create.
func EncodeToolOutput(res capability.Result) ([]byte, error) {
	return encodeClientEvent(ClientEventTypeConversationItemCreate, &ClientEventParamConversationItemCreate{
		Item: map[string]any{
			"type":    "function_call_output",
			"call_id": res.CallID,
			"output":  res.Output(),
		},
	})
}

func EncodeResponseCreate() ([]byte, error) {
	return encodeClientEvent(ClientEventTypeResponseCreate, &ClientEventParamResponseCreate{})
}

// EncodeUserText adds a user text message to the conversation.
func EncodeUserText(text string) ([]byte, error) {
	return encodeClientEvent(ClientEventTypeConversationItemCreate, &ClientEventParamConversationItemCreate{
		Item: map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func encodeClientEvent(typ ClientEventType, param EventParam) ([]byte, error) {
	e := &ClientEvent{EventId: newEventID(), Type: typ, Param: param}
	b, err := e.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", typ, err)
	}
	return b, nil
}

func marshalEvent(typ EventType, eventID string, param EventParam) ([]byte, error) {
	resp := map[string]any{}
	for k, v := range param.Json() {
		resp[k] = v
	}
	if eventID != "" {
		resp["event_id"] = eventID
	}
	resp["type"] = typ
	return sonic.Marshal(resp)
}

func newEventID() string {
	return "evt_" + uuid.NewString()
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
