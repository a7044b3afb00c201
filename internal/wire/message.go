package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// JSON-RPC style error codes used in ErrorPayload.Code.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// ErrMalformed is returned by Decode for payloads that are neither a
// request, a response nor an event.
var ErrMalformed = errors.New("malformed message")

// ID is a correlation identifier. Numeric ids travel as JSON numbers, any
// other id as a JSON string.
type ID string

// NewID formats a numeric correlation id.
func NewID(n uint64) ID { return ID(strconv.FormatUint(n, 10)) }

// ScopedID formats the n-th correlation id issued by scope as "scope:n".
// An empty scope yields a numeric id.
func ScopedID(scope string, n uint64) ID {
	if scope == "" {
		return NewID(n)
	}
	return ID(scope + ":" + strconv.FormatUint(n, 10))
}

// Seq returns the counter part of an id made by NewID or ScopedID.
func (id ID) Seq() (uint64, bool) {
	s := string(id)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseUint(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// ErrorPayload is the error member of a response.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// Message is the bridge payload carried inside envelopes and port frames.
type Message struct {
	ID     ID              `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// Kind classifies a Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Kind reports what m is.
func (m Message) Kind() Kind {
	switch {
	case m.ID != "" && m.Method != "":
		if m.Result != nil || m.Error != nil {
			return KindInvalid
		}
		return KindRequest
	case m.ID != "":
		if m.Result != nil && m.Error != nil {
			return KindInvalid
		}
		return KindResponse
	case m.Method != "":
		if m.Result != nil || m.Error != nil {
			return KindInvalid
		}
		return KindEvent
	default:
		return KindInvalid
	}
}

// Decode parses payload and rejects anything that is not a request, a
// response or an event.
func Decode(payload json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, errors.Join(ErrMalformed, err)
	}
	if m.Kind() == KindInvalid {
		return Message{}, ErrMalformed
	}
	return m, nil
}

// Encode marshals m.
func Encode(m Message) (json.RawMessage, error) {
	return json.Marshal(m)
}
