package pubsub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	jsonrpcVersion    = "2.0"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
)

type request struct {
	ID      uint64 `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// envelope is the union of the response and notification shapes.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type notificationParams struct {
	Result       json.RawMessage `json:"result"`
	Subscription json.RawMessage `json:"subscription"`
}

func parseEnvelope(frame []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *envelope) isResponse() bool {
	return e.Method == "" && len(e.ID) > 0 && (len(e.Result) > 0 || e.Error != nil)
}

func (e *envelope) answers(id uint64) bool {
	var got uint64
	return json.Unmarshal(e.ID, &got) == nil && got == id
}

func (e *envelope) notification() (notificationParams, error) {
	var p notificationParams
	if e.Method == "" || len(e.Params) == 0 {
		return p, fmt.Errorf("%w: missing method or params", ErrMalformedNotification)
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}
	if len(p.Subscription) == 0 {
		return p, fmt.Errorf("%w: missing subscription", ErrMalformedNotification)
	}
	return p, nil
}

// idString normalises a subscription id. Strings keep their value, any other
// JSON value is used as its compact text.
func idString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) == nil {
		return buf.String()
	}
	return string(raw)
}

// decodePayload decodes a notification result. The node sends the payload as
// a JSON string holding JSON; a plain JSON value is accepted as well.
func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v, nil
		}
	}
	var w T
	if err := json.Unmarshal(raw, &w); err != nil {
		return w, err
	}
	return w, nil
}
