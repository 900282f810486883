package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// frame is one CDP wire message. Commands carry an id; events don't.
type frame struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *CommandError   `json:"error,omitempty"`
}

// CommandError is the browser's error response to a command
type CommandError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *CommandError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: %s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("cdp: %s (%d)", e.Message, e.Code)
}

// ProtocolError indicates a malformed or unexpected frame
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: protocol error: %s", e.Reason)
}

var (
	// ErrConnectionClosed resolves every command pending when the
	// transport goes away.
	ErrConnectionClosed = errors.New("cdp: connection closed")

	// ErrTimeout resolves a command whose deadline elapsed before the
	// browser replied. The connection and other in-flight commands are
	// unaffected; a late reply for the freed id is discarded.
	ErrTimeout = errors.New("cdp: command timed out")
)
