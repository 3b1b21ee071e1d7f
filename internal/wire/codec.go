package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// rawMessage mirrors the shape Parse accepts, before id/method are
// validated — the same "peek, then validate" pattern as the teacher's
// cdp.parseMessage in internal/cdp/message.go.
type rawMessage struct {
	ID     *int64          `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Parse decodes one incoming BiDi JSON object into a RawCommand, validating
// shape per spec.md §4.1: id must be a non-negative integer, method a
// non-empty dotted identifier, params an object (when present).
//
// On failure it returns a *CodecError carrying whatever id (if any) could
// be recovered, so the caller can still echo it in an "invalid argument"
// response.
func Parse(data []byte) (*RawCommand, *CodecError) {
	var msg rawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &CodecError{Message: fmt.Sprintf("malformed JSON: %v", err)}
	}

	if msg.ID == nil || *msg.ID < 0 {
		return nil, &CodecError{ID: msg.ID, Message: "id must be a non-negative integer"}
	}
	if msg.Method == nil || !strings.Contains(*msg.Method, ".") ||
		strings.HasPrefix(*msg.Method, ".") || strings.HasSuffix(*msg.Method, ".") || strings.Contains(*msg.Method, "..") {
		id := uint64(*msg.ID)
		return nil, &CodecError{ID: msg.ID, IDRecovered: &id, Message: "method must be a non-empty dotted identifier"}
	}
	if len(msg.Params) > 0 && msg.Params[0] != '{' {
		id := uint64(*msg.ID)
		return nil, &CodecError{ID: msg.ID, IDRecovered: &id, Message: "params must be an object"}
	}

	params := msg.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	return &RawCommand{ID: uint64(*msg.ID), Method: *msg.Method, Params: params}, nil
}

// CodecError is a structural validation failure, recoverable or not per
// spec.md §4.1: "invalid argument" if any structural check fails; the error
// response carries the original id if recoverable, otherwise null.
type CodecError struct {
	ID          *int64
	IDRecovered *uint64
	Message     string
}

func (e *CodecError) Error() string { return e.Message }

// ToErrorResponse renders a CodecError as the outgoing error shape.
func (e *CodecError) ToErrorResponse() ErrorResponse {
	return ErrorResponse{ID: e.IDRecovered, Error: "invalid argument", Message: e.Message}
}

// RenderSuccess marshals a successful command result.
func RenderSuccess(id uint64, result any) ([]byte, error) {
	return json.Marshal(SuccessResponse{ID: id, Result: result})
}

// RenderError marshals a command failure. A nil id is rendered as JSON
// null, matching spec.md §6's "{id: <u64>|null, ...}".
func RenderError(id *uint64, code, message, stacktrace string) ([]byte, error) {
	return json.Marshal(ErrorResponse{ID: id, Error: code, Message: message, StackTrace: stacktrace})
}

// RenderEvent marshals an outgoing event.
func RenderEvent(method string, params any) ([]byte, error) {
	return json.Marshal(EventMessage{Method: method, Params: params})
}
