package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a log query result lacks the
// account snapshot or the log array.
var ErrMalformedResponse = errors.New("malformed log response")

// ResponseError is a node-reported failure carried in the "error" field.
type ResponseError struct {
	Message string
}

func (e *ResponseError) Error() string {
	return "node error: " + e.Message
}

// LogResponse is one immutable get_log snapshot: the account state and the
// time-ordered events that produced it.
type LogResponse struct {
	Account Account
	Log     []LogEntry

	// Payload is the raw node output, kept for mismatch diagnostics.
	Payload json.RawMessage
}

// DecodeLogResponse parses and validates a get_log payload.
func DecodeLogResponse(data []byte) (*LogResponse, error) {
	var envelope struct {
		Account *json.RawMessage `json:"account"`
		Log     *json.RawMessage `json:"log"`
		Error   string           `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if envelope.Error != "" {
		return nil, &ResponseError{Message: envelope.Error}
	}
	if envelope.Account == nil {
		return nil, fmt.Errorf("%w: missing account", ErrMalformedResponse)
	}
	if envelope.Log == nil {
		return nil, fmt.Errorf("%w: missing log", ErrMalformedResponse)
	}

	resp := &LogResponse{Payload: append(json.RawMessage(nil), data...)}

	var accountFields map[string]json.RawMessage
	if err := json.Unmarshal(*envelope.Account, &accountFields); err != nil {
		return nil, fmt.Errorf("%w: account: %v", ErrMalformedResponse, err)
	}
	if _, ok := accountFields["balance"]; !ok {
		return nil, fmt.Errorf("%w: account without balance", ErrMalformedResponse)
	}
	if err := json.Unmarshal(*envelope.Account, &resp.Account); err != nil {
		return nil, fmt.Errorf("%w: account: %v", ErrMalformedResponse, err)
	}

	// An empty log may be rendered as {} by the node.
	if !bytes.Equal(bytes.TrimSpace(*envelope.Log), []byte("{}")) {
		if err := json.Unmarshal(*envelope.Log, &resp.Log); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
	}
	return resp, nil
}

// WithLog returns a copy of the response holding a different entry slice.
func (r *LogResponse) WithLog(entries []LogEntry) *LogResponse {
	cp := *r
	cp.Log = entries
	return &cp
}
