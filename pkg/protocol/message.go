package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/harunnryd/speechbridge/pkg/errorsx"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/results"
)

var ErrProtocol = errors.New("protocol error")

// Protocolf builds an ErrProtocol with context.
func Protocolf(format string, args ...any) error {
	return errorsx.Wrap(fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...)), errorsx.ReasonProtocol)
}

// Message is an inbound text frame. Exactly one of Request or Response is
// meaningful; a frame with neither is ignored.
type Message struct {
	Request  *string         `json:"request,omitempty"`
	Response *string         `json:"response,omitempty"`
	ID       json.RawMessage `json:"id,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Codecs   json.RawMessage `json:"codecs,omitempty"`
	ErrorMsg string          `json:"error_msg,omitempty"`
}

func Parse(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, Protocolf("message is not a JSON object")
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, Protocolf("invalid JSON: %v", err)
	}
	return msg, nil
}

func (m Message) IsRequest() bool  { return m.Request != nil }
func (m Message) IsResponse() bool { return m.Request == nil && m.Response != nil }

func (m Message) Verb() Verb {
	if m.Request == nil {
		return VerbUnknown
	}
	return ParseVerb(*m.Request)
}

// HasParams reports whether params is present and not JSON null.
func (m Message) HasParams() bool { return present(m.Params) }

func (m Message) HasCodecs() bool { return present(m.Codecs) }

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Response answers exactly one Request, echoing its verb and id.
type Response struct {
	Response string            `json:"response"`
	ID       json.RawMessage   `json:"id"`
	Params   map[string]any    `json:"params,omitempty"`
	Codecs   []negotiate.Codec `json:"codecs,omitempty"`
	ErrorMsg string            `json:"error_msg,omitempty"`
}

func NewResponse(req Message) *Response {
	verb := ""
	if req.Request != nil {
		verb = *req.Request
	}
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{Response: verb, ID: id}
}

func (r *Response) SetParam(key string, value any) {
	if r.Params == nil {
		r.Params = make(map[string]any)
	}
	r.Params[key] = value
}

// Fail records err on the response. Replies are always sent, even on failure.
func (r *Response) Fail(err error) {
	if err != nil {
		r.ErrorMsg = err.Error()
	}
}

// Push is an unsolicited, request-shaped message carrying results or a fatal error.
type Push struct {
	Request  string     `json:"request"`
	ID       string     `json:"id"`
	Params   PushParams `json:"params"`
	ErrorMsg string     `json:"error_msg,omitempty"`
}

type PushParams struct {
	Results []results.Result `json:"results,omitempty"`
}

// NewPush wraps one result under a fresh id.
func NewPush(r results.Result) Push {
	return Push{Request: VerbSet.String(), ID: uuid.NewString(), Params: PushParams{Results: []results.Result{r}}}
}

// NewFatalPush reports a terminal provider failure before the session closes.
func NewFatalPush(err error) Push {
	msg := "provider failure"
	if err != nil {
		msg = err.Error()
	}
	return Push{Request: VerbSet.String(), ID: uuid.NewString(), ErrorMsg: msg}
}

func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
