// Package serialization encodes and decodes message bodies.
package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ContentTypeJSON is set on every published message
const ContentTypeJSON = "application/json"

var (
	ErrEmptyBody    = errors.New("serialization: empty body")
	ErrTrailingData = errors.New("serialization: trailing data after JSON value")
)

// Codec turns messages into bodies and back
type Codec interface {
	Encode(msg any) ([]byte, error)
	Decode(body []byte) (any, error)
	DecodeInto(body []byte, target any) error
	ContentType() string
}

// EncodeError is returned when a message has no wire representation
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("serialization: cannot encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a body is not valid for the codec
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	body := e.Body
	if len(body) > 64 {
		body = body[:64]
	}
	return fmt.Sprintf("serialization: cannot decode %q: %v", body, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// JSONCodec encodes messages as JSON. Decoded objects are map[string]any,
// arrays []any and numbers json.Number, so a decoded body encodes back to
// the same digits.
type JSONCodec struct{}

// NewJSONCodec returns a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return ContentTypeJSON
}

// Encode implements Codec
func (JSONCodec) Encode(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &EncodeError{Type: fmt.Sprintf("%T", msg), Err: err}
	}
	return body, nil
}

// Decode implements Codec
func (JSONCodec) Decode(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &DecodeError{Body: body, Err: ErrEmptyBody}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var msg any
	if err := dec.Decode(&msg); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodeError{Body: body, Err: ErrTrailingData}
	}
	return msg, nil
}

// DecodeInto implements Codec
func (JSONCodec) DecodeInto(body []byte, target any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &DecodeError{Body: body, Err: ErrEmptyBody}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &DecodeError{Body: body, Err: err}
	}
	return nil
}
