package lsp

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// DecodeError reports a body that is not a valid JSON-RPC envelope. Code is CodeParseError or
// CodeInvalidRequest. ID is set when the id of the offending message could be recovered, in
// which case an error response should be sent back.
type DecodeError struct {
	Code   int
	ID     *ID
	Reason string
}

// rawMessage keeps every member as raw JSON so that presence can be told apart from null.
type rawMessage struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// DecodeMessage parses body and classifies it as a request, notification or response.
// A malformed body yields a *DecodeError and never panics.
func DecodeMessage(body []byte) (JSONRPCMessage, error) {
	var raw rawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return JSONRPCMessage{}, &DecodeError{Code: CodeParseError, Reason: err.Error()}
	}

	var id *ID
	if len(raw.ID) > 0 && string(raw.ID) != "null" {
		var v ID
		if err := json.Unmarshal(raw.ID, &v); err != nil {
			return JSONRPCMessage{}, &DecodeError{Code: CodeInvalidRequest, Reason: err.Error()}
		}
		id = &v
	}

	invalid := func(reason string) error {
		return &DecodeError{Code: CodeInvalidRequest, ID: id, Reason: reason}
	}

	if raw.JSONRPC == nil || *raw.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, invalid(`missing or unsupported "jsonrpc" version`)
	}

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id}

	if raw.Method != nil {
		if *raw.Method == "" {
			return JSONRPCMessage{}, invalid("empty method")
		}
		if raw.Result != nil || raw.Error != nil {
			return JSONRPCMessage{}, invalid("request carries result or error")
		}
		msg.Method = *raw.Method
		if len(raw.Params) > 0 && string(raw.Params) != "null" {
			if p := raw.Params[0]; p != '{' && p != '[' {
				return JSONRPCMessage{}, invalid("params must be an object or an array")
			}
			msg.Params = raw.Params
		}
		return msg, nil
	}

	// A response.
	if id == nil {
		return JSONRPCMessage{}, invalid("message has neither method nor id")
	}
	hasResult := raw.Result != nil
	hasError := len(raw.Error) > 0 && string(raw.Error) != "null"
	if hasResult == hasError {
		return JSONRPCMessage{}, invalid("response must carry exactly one of result or error")
	}
	if hasError {
		var jErr JSONRPCError
		if err := json.Unmarshal(raw.Error, &jErr); err != nil {
			return JSONRPCMessage{}, invalid(fmt.Sprintf("malformed error object: %s", err))
		}
		msg.Error = &jErr
		return msg, nil
	}
	msg.Result = raw.Result
	return msg, nil
}

// EncodeMessage serializes msg. A response without an error always carries a result member,
// encoded as null when Result is empty.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	if msg.Method == "" && msg.ID != nil && msg.Error == nil && len(msg.Result) == 0 {
		msg.Result = json.RawMessage("null")
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

func (e *DecodeError) Error() string {
	if e.Code == CodeParseError {
		return "parse error: " + e.Reason
	}
	return "invalid request: " + e.Reason
}

// Response converts the decode error to the error response that should be sent back, reporting
// false when no id was recovered.
func (e *DecodeError) Response() (JSONRPCMessage, bool) {
	if e.ID == nil {
		return JSONRPCMessage{}, false
	}
	msg := "Invalid Request"
	if e.Code == CodeParseError {
		msg = "Parse error"
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      e.ID,
		Error:   &JSONRPCError{Code: e.Code, Message: msg, Data: e.Reason},
	}, true
}
