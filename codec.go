package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind tags a JSONRPCMessage with the variant it represents.
type MessageKind int

// The four variants of a JSON-RPC envelope.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindError
	KindNotification
)

// wireMessage keeps the raw id so the decoder can tell an absent id from an empty one.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Kind reports which variant the message represents, or KindInvalid when the populated
// fields don't match any of them.
func (m JSONRPCMessage) Kind() MessageKind {
	kind, _ := m.classify()
	return kind
}

func (m JSONRPCMessage) classify() (MessageKind, string) {
	if m.ID != nil && !validID(m.ID) {
		return KindInvalid, "id must be a non-empty string or a number"
	}

	present := 0
	if m.Method != "" {
		present++
	}
	if len(m.Result) > 0 {
		present++
	}
	if m.Error != nil {
		present++
	}
	if present != 1 {
		return KindInvalid, "exactly one of method, result or error must be present"
	}

	switch {
	case m.Method != "":
		if m.ID == nil {
			return KindNotification, ""
		}
		return KindRequest, ""
	case len(m.Result) > 0:
		if m.ID == nil {
			return KindInvalid, "response without id"
		}
		return KindResponse, ""
	default:
		if m.ID == nil {
			return KindInvalid, "error without id"
		}
		return KindError, ""
	}
}

// EncodeMessage serializes the message into its canonical JSON form. It refuses messages that
// DecodeMessage would reject, so a malformed envelope never reaches the wire.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("encode message: invalid jsonrpc version: %q", msg.JSONRPC)
	}
	if kind, reason := msg.classify(); kind == KindInvalid {
		return nil, fmt.Errorf("encode message: %s", reason)
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// DecodeMessage parses a single JSON-RPC envelope. Any failure is returned as a *DecodeError.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var wm wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wm); err != nil {
		return JSONRPCMessage{}, newDecodeError("invalid json", err)
	}
	if dec.More() {
		return JSONRPCMessage{}, newDecodeError("trailing data after message", nil)
	}

	if wm.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, newDecodeError(fmt.Sprintf("invalid jsonrpc version: %q", wm.JSONRPC), nil)
	}

	msg := JSONRPCMessage{
		JSONRPC: wm.JSONRPC,
		Method:  wm.Method,
		Params:  wm.Params,
		Result:  wm.Result,
	}

	if len(wm.ID) > 0 && !bytes.Equal(wm.ID, []byte("null")) {
		id, err := decodeID(wm.ID)
		if err != nil {
			return JSONRPCMessage{}, newDecodeError("invalid id", err)
		}
		msg.ID = id
	}

	if len(wm.Error) > 0 && !bytes.Equal(wm.Error, []byte("null")) {
		var rpcErr struct {
			Code    *int           `json:"code"`
			Message string         `json:"message"`
			Data    map[string]any `json:"data"`
		}
		if err := json.Unmarshal(wm.Error, &rpcErr); err != nil {
			return JSONRPCMessage{}, newDecodeError("invalid error object", err)
		}
		if rpcErr.Code == nil {
			return JSONRPCMessage{}, newDecodeError("error object without code", nil)
		}
		msg.Error = &JSONRPCError{
			Code:    *rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		}
	}

	if _, reason := msg.classify(); reason != "" {
		return JSONRPCMessage{}, newDecodeError(reason, nil)
	}

	return msg, nil
}

func newRequest(id RequestID, method string, params any) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	return msg, nil
}

func newNotification(method string, params any) (JSONRPCMessage, error) {
	return newRequest(nil, method, params)
}

func newResult(id RequestID, result any) (JSONRPCMessage, error) {
	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

func newErrorResponse(id RequestID, code int, message string, data map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// decodeID reads an id token, keeping numbers in their literal form.
func decodeID(raw json.RawMessage) (RequestID, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if !validID(v) {
		return nil, fmt.Errorf("id must be a non-empty string or a number, got %s", raw)
	}
	return v, nil
}

func validID(id RequestID) bool {
	switch v := id.(type) {
	case string:
		return v != ""
	case json.Number:
		_, err := v.Float64()
		return err == nil
	default:
		return false
	}
}
