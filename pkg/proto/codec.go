package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeError is returned for control messages that are malformed or do
// not have exactly one recognised shape.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode control message: %s: %v", e.Reason, e.Err)
	}
	return "decode control message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// ErrEmptyMessage is returned by Encode for a message without a variant.
var ErrEmptyMessage = errors.New("control message has no variant")

var variantKeys = []string{KeyHello, KeyIdentify, KeyIdentified, KeyRequest, KeyResponse}

// Encode serializes a message to its wire form.
func Encode(m *Message) ([]byte, error) {
	if m.Kind() == "" {
		return nil, ErrEmptyMessage
	}
	return json.Marshal(m)
}

// Decode parses a wire message. Unknown fields are ignored, but exactly
// one recognised top-level variant must be present and every field that
// variant requires must be there. All failures are *DecodeError.
func Decode(data []byte) (*Message, error) {
	top, err := object(data, "message")
	if err != nil {
		return nil, err
	}

	var found []string
	for _, key := range variantKeys {
		if present(top, key) {
			found = append(found, key)
		}
	}
	switch len(found) {
	case 0:
		return nil, decodeErrorf("no recognised variant")
	case 1:
	default:
		return nil, decodeErrorf("multiple variants: %s", strings.Join(found, ", "))
	}

	raw := top[found[0]]
	msg := &Message{}
	switch found[0] {
	case KeyHello:
		msg.Hello, err = decodeHello(raw)
	case KeyIdentify:
		msg.Identify, err = decodeIdentify(raw)
	case KeyIdentified:
		msg.Identified, err = decodeIdentified(raw)
	case KeyRequest:
		msg.Request, err = decodeRequest(raw)
	case KeyResponse:
		msg.Response, err = decodeResponse(raw)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeHello(raw json.RawMessage) (*Hello, error) {
	fields, err := object(raw, KeyHello)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, KeyHello, "apiVersion", "authentication"); err != nil {
		return nil, err
	}
	auth, err := object(fields["authentication"], "hello.authentication")
	if err != nil {
		return nil, err
	}
	if err := requireFields(auth, "hello.authentication", "challenge", "salt"); err != nil {
		return nil, err
	}

	var hello Hello
	if err := unmarshal(raw, &hello, KeyHello); err != nil {
		return nil, err
	}
	return &hello, nil
}

func decodeIdentify(raw json.RawMessage) (*Identify, error) {
	fields, err := object(raw, KeyIdentify)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, KeyIdentify, "id", "name", "authentication"); err != nil {
		return nil, err
	}

	var identify Identify
	if err := unmarshal(raw, &identify, KeyIdentify); err != nil {
		return nil, err
	}
	return &identify, nil
}

func decodeIdentified(raw json.RawMessage) (*Identified, error) {
	fields, err := object(raw, KeyIdentified)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, KeyIdentified, "result"); err != nil {
		return nil, err
	}
	if err := exactlyOne(fields["result"], "identified.result", "ok", "wrongPassword"); err != nil {
		return nil, err
	}

	var identified Identified
	if err := unmarshal(raw, &identified, KeyIdentified); err != nil {
		return nil, err
	}
	return &identified, nil
}

func decodeRequest(raw json.RawMessage) (*Request, error) {
	fields, err := object(raw, KeyRequest)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, KeyRequest, "id", "data"); err != nil {
		return nil, err
	}
	if err := exactlyOne(fields["data"], "request.data", "startTunnel", "status"); err != nil {
		return nil, err
	}
	data, _ := object(fields["data"], "request.data")
	if present(data, "startTunnel") {
		startTunnel, err := object(data["startTunnel"], "request.data.startTunnel")
		if err != nil {
			return nil, err
		}
		if err := requireFields(startTunnel, "request.data.startTunnel", "address", "port"); err != nil {
			return nil, err
		}
	}

	var request Request
	if err := unmarshal(raw, &request, KeyRequest); err != nil {
		return nil, err
	}
	return &request, nil
}

func decodeResponse(raw json.RawMessage) (*Response, error) {
	fields, err := object(raw, KeyResponse)
	if err != nil {
		return nil, err
	}
	if err := requireFields(fields, KeyResponse, "id", "result", "data"); err != nil {
		return nil, err
	}
	if err := exactlyOne(fields["result"], "response.result", "ok", "wrongPassword"); err != nil {
		return nil, err
	}
	if err := exactlyOne(fields["data"], "response.data", "startTunnel", "status"); err != nil {
		return nil, err
	}
	data, _ := object(fields["data"], "response.data")
	if present(data, "startTunnel") {
		startTunnel, err := object(data["startTunnel"], "response.data.startTunnel")
		if err != nil {
			return nil, err
		}
		if err := requireFields(startTunnel, "response.data.startTunnel", "port"); err != nil {
			return nil, err
		}
	}

	var response Response
	if err := unmarshal(raw, &response, KeyResponse); err != nil {
		return nil, err
	}
	return &response, nil
}

// object parses raw as a JSON object keyed by field name.
func object(raw []byte, what string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Reason: what + " is not an object", Err: err}
	}
	if fields == nil {
		return nil, decodeErrorf("%s is null", what)
	}
	return fields, nil
}

func present(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func requireFields(fields map[string]json.RawMessage, what string, keys ...string) error {
	for _, key := range keys {
		if !present(fields, key) {
			return decodeErrorf("%s: missing %q", what, key)
		}
	}
	return nil
}

func exactlyOne(raw json.RawMessage, what string, keys ...string) error {
	fields, err := object(raw, what)
	if err != nil {
		return err
	}
	n := 0
	for _, key := range keys {
		if present(fields, key) {
			n++
		}
	}
	if n != 1 {
		return decodeErrorf("%s: want exactly one of %s, got %d", what, strings.Join(keys, ", "), n)
	}
	return nil
}

func unmarshal(raw json.RawMessage, v any, what string) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Reason: "invalid " + what, Err: err}
	}
	return nil
}
