package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Inbound and server-initiated method names
const (
	MethodPublish      = "relay_publish"
	MethodSubscribe    = "relay_subscribe"
	MethodUnsubscribe  = "relay_unsubscribe"
	MethodAck          = "relay_ack"
	MethodSubscription = "relay_subscription"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an error object with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// PublishParams are the params of relay_publish. TTL is in seconds.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl,omitempty"`
}

// SubscribeParams are the params of relay_subscribe.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// UnsubscribeParams are the params of relay_unsubscribe.
type UnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

// AckParams are the params of relay_ack.
type AckParams struct {
	Topic       string `json:"topic"`
	MessageHash string `json:"messageHash"`
}

// SubscriptionData is the inner payload of a relay_subscription request.
type SubscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	MessageHash string `json:"messageHash"`
}

// SubscriptionParams are the params of a server-initiated
// relay_subscription request. ID is the SubscriptionId the delivery
// belongs to.
type SubscriptionParams struct {
	ID   string           `json:"id"`
	Data SubscriptionData `json:"data"`
}

var requestCounter atomic.Int64

func init() {
	requestCounter.Store(time.Now().UnixMilli() * 1000)
}

// NextID returns a process-unique numeric request id.
func NextID() json.RawMessage {
	n := requestCounter.Add(1)
	return json.RawMessage(fmt.Sprintf("%d", n))
}

// NewRequest builds a request with a fresh id and marshaled params.
func NewRequest(method string, params any) (*Request, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Request{
		JSONRPC: Version,
		ID:      NextID(),
		Method:  method,
		Params:  data,
	}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// Frame is a decoded inbound frame: either a request or a response.
type Frame struct {
	Request  *Request
	Response *Response
}

// ParseFrame decodes one inbound frame. Empty or whitespace frames and
// frames that fail to decode yield a parse error; a frame without a
// method but with a result or error is treated as a response.
func ParseFrame(data []byte) (*Frame, *Error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(CodeParseError, "empty frame")
	}

	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON")
	}

	if probe.Method != "" {
		return &Frame{Request: &Request{
			JSONRPC: probe.JSONRPC,
			ID:      probe.ID,
			Method:  probe.Method,
			Params:  probe.Params,
		}}, nil
	}

	if probe.Result != nil || probe.Error != nil {
		return &Frame{Response: &Response{
			JSONRPC: probe.JSONRPC,
			ID:      probe.ID,
			Result:  probe.Result,
			Error:   probe.Error,
		}}, nil
	}

	return nil, NewError(CodeInvalidRequest, "frame is neither request nor response")
}

// Encode marshals a request for the wire.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Encode marshals a response for the wire.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
