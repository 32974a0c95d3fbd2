// Package protocol implements the correlated request/response envelope
// spoken on the dispatch channel and by the reasoning service.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

const (
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

var nullID = json.RawMessage("null")

// Envelope is a request (Method, Params) or a response (exactly one of
// Result or Error). ID is opaque and echoed back unchanged.
type Envelope struct {
	ProtocolVersion string          `json:"jsonrpc"`
	ID              json.RawMessage `json:"id"`
	Method          string          `json:"method,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *ErrorObject    `json:"error,omitempty"`
}

type ErrorObject struct {
	Message string `json:"message"`
}

type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (e Envelope) IsRequest() bool {
	return e.Method != ""
}

func (e Envelope) IsResponse() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// CallParams decodes the params of a call_tool request. Missing params and
// missing arguments decode to an empty argument map.
func (e Envelope) CallParams() (CallParams, error) {
	var p CallParams
	if len(e.Params) > 0 && !bytes.Equal(bytes.TrimSpace(e.Params), nullID) {
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return CallParams{}, fmt.Errorf("%w: params must be an object with name and arguments", ErrMalformedEnvelope)
		}
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}
	return p, nil
}

func EncodeResult(id json.RawMessage, value any) (Envelope, error) {
	if value == nil {
		value = map[string]any{}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode result: %w", err)
	}
	return Envelope{ProtocolVersion: Version, ID: normalizeID(id), Result: raw}, nil
}

func EncodeError(id json.RawMessage, message string) Envelope {
	return Envelope{ProtocolVersion: Version, ID: normalizeID(id), Error: &ErrorObject{Message: message}}
}

func NewRequest(id json.RawMessage, method string, params any) (Envelope, error) {
	env := Envelope{ProtocolVersion: Version, ID: normalizeID(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

func Marshal(e Envelope) ([]byte, error) {
	if e.ProtocolVersion == "" {
		e.ProtocolVersion = Version
	}
	e.ID = normalizeID(e.ID)
	return json.Marshal(e)
}

// Decode parses one envelope. Every failure wraps ErrMalformedEnvelope.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedEnvelope)
	}

	var wire struct {
		ProtocolVersion string          `json:"jsonrpc"`
		ID              json.RawMessage `json:"id"`
		Method          *string         `json:"method"`
		Params          json.RawMessage `json:"params"`
		Result          json.RawMessage `json:"result"`
		Error           json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	env := Envelope{
		ProtocolVersion: wire.ProtocolVersion,
		ID:              normalizeID(wire.ID),
		Params:          wire.Params,
	}

	if wire.Method != nil {
		if *wire.Method == "" {
			return Envelope{}, fmt.Errorf("%w: method must not be empty", ErrMalformedEnvelope)
		}
		env.Method = *wire.Method
		return env, nil
	}

	hasResult := wire.Result != nil
	hasError := wire.Error != nil && !bytes.Equal(bytes.TrimSpace(wire.Error), nullID)
	switch {
	case hasResult && hasError:
		return Envelope{}, fmt.Errorf("%w: response carries both result and error", ErrMalformedEnvelope)
	case hasResult:
		env.Result = wire.Result
	case hasError:
		var obj ErrorObject
		if err := json.Unmarshal(wire.Error, &obj); err != nil {
			return Envelope{}, fmt.Errorf("%w: error must be an object with a message", ErrMalformedEnvelope)
		}
		env.Error = &obj
	default:
		return Envelope{}, fmt.Errorf("%w: missing method or result/error", ErrMalformedEnvelope)
	}
	return env, nil
}

// CorrelationIDOf extracts the id of a payload that may not decode as a
// well-formed envelope. It returns null when no id can be found.
func CorrelationIDOf(raw []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nullID
	}
	return normalizeID(probe.ID)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}
