// Package codec provides durable encoding for workflow inputs, outputs, and
// errors, plus stable content fingerprints for task-result caching.
//
// Two codecs are available:
//   - JSONCodec ("json"): structured values only; canonical output with
//     sorted mapping keys, suitable for fingerprinting and wire transport.
//   - GeneralCodec ("general"): gob-based, handles any registered in-memory
//     Go value at the cost of cross-language readability.
//
// Encoded payloads travel base64-wrapped; see Wrap and Unwrap.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"time"
)

// Codec encodes values to durable bytes and back.
//
// JSONCodec is deterministic: encoding the same logical value twice yields
// identical bytes. GeneralCodec is not: gob writes maps in iteration order,
// so map-bearing values may encode differently each time. Fingerprint
// therefore always hashes through JSONCodec.
type Codec interface {
	// Name returns the codec identifier used in configuration ("json", "general").
	Name() string

	// Encode converts a value to durable bytes.
	// Returns *EncodeError if the value is not representable.
	Encode(v any) ([]byte, error)

	// Decode parses bytes produced by Encode into the value pointed to by v.
	// Returns *DecodeError if the bytes are corrupt or were produced by a
	// different codec.
	Decode(data []byte, v any) error
}

// EncodeError reports a value that the codec cannot represent.
type EncodeError struct {
	Codec string
	Cause error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec %s: encode: %v", e.Codec, e.Cause)
}

func (e *EncodeError) Unwrap() error { return e.Cause }

// DecodeError reports corrupt bytes or a codec mismatch.
type DecodeError struct {
	Codec string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec %s: decode: %v", e.Codec, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// JSONCodec is the structured codec. It handles JSON-compatible values only
// and produces canonical output: encoding/json marshals map keys in sorted
// order, so identical logical values encode to identical bytes.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Encode implements Codec.
func (JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Codec: "json", Cause: err}
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Codec: "json", Cause: err}
	}
	return nil
}

// GeneralCodec encodes arbitrary Go values using gob. Concrete types carried
// inside interface values must be registered first via Register.
type GeneralCodec struct{}

func init() {
	// Pre-register the types every workflow payload is built from, so the
	// general codec can carry them inside interface values out of the box.
	for _, v := range []any{
		"", int(0), int64(0), float64(0), true,
		[]any{}, map[string]any{}, []byte{}, time.Time{},
	} {
		gob.Register(v)
	}
}

// Register records a concrete type so the general codec can carry it inside
// interface-typed fields. Safe to call from init functions.
func Register(sample any) { gob.Register(sample) }

// Name implements Codec.
func (GeneralCodec) Name() string { return "general" }

// Encode implements Codec.
func (GeneralCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, &EncodeError{Codec: "general", Cause: err}
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.
func (GeneralCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return &DecodeError{Codec: "general", Cause: err}
	}
	return nil
}

// ByName resolves a codec by its configuration name.
func ByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSONCodec{}, nil
	case "general":
		return GeneralCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

// Wrap encodes payload bytes for transport inside JSON documents.
func Wrap(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Unwrap reverses Wrap.
func Unwrap(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Codec: "base64", Cause: err}
	}
	return data, nil
}
