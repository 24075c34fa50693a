package codec

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the stable cache key for a task invocation:
//
//	"sha256:" + hex(sha256(taskName ‖ encode(args) ‖ encode(kwargs)))
//
// The positional arguments are encoded as one JSON array and the keyword
// arguments as one JSON object, so each hashed segment is a single
// self-delimiting blob: argument and key boundaries can never be confused
// (["1","2"] and ["12"] encode differently, as do {"ab":12} and {"ab1":2}).
// Mappings marshal with sorted keys and nested containers are canonicalized
// first, so identical logical inputs hash identically across processes and
// hosts.
func Fingerprint(taskName string, args []any, kwargs map[string]any) (string, error) {
	c := JSONCodec{}

	encArgs, err := c.Encode(canonicalize(args))
	if err != nil {
		return "", err
	}
	encKwargs, err := c.Encode(canonicalize(kwargs))
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(taskName))
	h.Write(encArgs)
	h.Write(encKwargs)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize walks generic containers so every mapping inside the payload
// marshals through encoding/json's sorted-key path; two logically-equal
// values therefore always produce identical bytes for hashing.
func canonicalize(v any) any {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(m))
		for i, val := range m {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}
