package capability

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Kind classifies a failed tool call.
type Kind string

const (
	KindUnknownTool      Kind = "UnknownTool"
	KindInvalidArguments Kind = "InvalidArguments"
	KindTimeout          Kind = "Timeout"
	KindHandlerError     Kind = "HandlerError"
)

type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Call is a tool invocation requested by the model, correlated by ID.
type Call struct {
	ID        string          `json:"call_id"`
	Tool      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the single outcome of one Call. Exactly one of Payload and Failure is set.
type Result struct {
	CallID   string
	Tool     string
	Value    any
	Payload  json.RawMessage
	Failure  *Failure
	Duration time.Duration
}

func (r Result) OK() bool {
	return r.Failure == nil
}

// Outcome is a short label for logs and metrics.
func (r Result) Outcome() string {
	if r.Failure == nil {
		return "ok"
	}
	return string(r.Failure.Kind)
}

// Output renders the result as the model sees it: {"result": ...} on success,
// {"error": {"kind": ..., "message": ...}} on failure.
func (r Result) Output() string {
	if r.Failure != nil {
		b, err := sonic.Marshal(map[string]any{"error": r.Failure})
		if err != nil {
			return fmt.Sprintf(`{"error":{"kind":%q,"message":%q}}`, r.Failure.Kind, r.Failure.Message)
		}
		return string(b)
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return `{"result":` + string(payload) + `}`
}

func failed(call Call, kind Kind, format string, args ...any) Result {
	return Result{
		CallID:  call.ID,
		Tool:    call.Tool,
		Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// Fail returns a copy of r that carries a failure instead of its payload.
func (r Result) Fail(kind Kind, message string) Result {
	r.Value = nil
	r.Payload = nil
	r.Failure = &Failure{Kind: kind, Message: message}
	return r
}
