package transport

import (
	"bytes"
	"encoding/json"
)

// Message is one JSON-RPC 2.0 object: a request, a notification or a
// response. Params, Result and ID stay raw so the bridge never reinterprets
// payloads it only forwards.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSON-RPC error codes used by the host dispatcher.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

func (m Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(bytes.TrimSpace(m.ID), []byte("null"))
}

// IsRequest reports whether the caller expects a correlated response.
func (m Message) IsRequest() bool {
	return m.HasID() && m.Method != ""
}

func (m Message) IsNotification() bool {
	return !m.HasID() && m.Method != ""
}

func (m Message) IsResponse() bool {
	return m.HasID() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// idKey canonicalises the raw id so 1 and 1 with whitespace collide while
// 1 and "1" stay distinct.
func idKey(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// NewResponse builds a result response for the request id.
func NewResponse(id json.RawMessage, result any) (Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: "2.0", ID: id, Result: b}, nil
}

// NewErrorResponse builds an error response for the request id.
func NewErrorResponse(id json.RawMessage, code int, msg string) Message {
	return Message{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}
