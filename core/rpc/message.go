package rpc

import "encoding/json"

// Kind classifies a decoded wire document.
type Kind int

const (
	KindInvalid Kind = iota
	KindHandshake
	KindCall
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindCall:
		return "call"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is the single document type on the wire. The populated fields
// determine its kind:
//
//   - handshake:    {shard, pw}
//   - call:         {method, params, id}
//   - notification: {method, params}
//   - response:     {id, result} or {id, error}
type Message struct {
	Shard      *int            `json:"shard,omitempty"`
	Credential string          `json:"pw,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	ID         *uint64         `json:"id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindCall
	case m.Method != "":
		return KindNotification
	case m.ID != nil:
		return KindResponse
	case m.Shard != nil:
		return KindHandshake
	default:
		return KindInvalid
	}
}

// ParamInt reads an integer parameter. JSON numbers decode as float64, so
// the lookup converts. ok is false if the key is absent or not a number.
func (m *Message) ParamInt(key string) (v int, ok bool) {
	f, ok := m.Params[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ParamString reads a string parameter.
func (m *Message) ParamString(key string) (v string, ok bool) {
	v, ok = m.Params[key].(string)
	return
}

// UnmarshalResult decodes a response result into T.
func UnmarshalResult[T any](raw json.RawMessage) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
