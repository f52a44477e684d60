package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"codeberg.org/mutker/pcslog/internal/errors"
)

// Decode turns a raw payload into a Frame. Invalid UTF-8 sequences are
// replaced before parsing, and bare NaN, Infinity and -Infinity literals
// read as null so only the affected field is absent. Booleans read as 1
// and 0. Payloads that are not a JSON object fail with ErrDecode or
// ErrNotAnObject.
func Decode(payload []byte) (Frame, error) {
	errFactory := errors.New()

	payload = bytes.ToValidUTF8(payload, []byte("�"))
	if len(bytes.TrimSpace(payload)) == 0 {
		return Frame{}, errFactory.New(ErrEmptyPayload)
	}

	payload = nullNonFinite(payload)

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, errFactory.Wrap(ErrDecode, err)
	}
	if dec.More() {
		return Frame{}, errFactory.WithMessage(ErrDecode, "trailing data after JSON value")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return Frame{}, errFactory.WithData(ErrNotAnObject, jsonKind(raw))
	}

	values := make(map[string]float64, len(obj))
	for k, v := range obj {
		if f, ok := numeric(v); ok {
			values[k] = f
		}
	}

	return Frame{values: values}, nil
}

// numeric converts a decoded JSON value into a finite float64. Numeric
// strings and booleans are accepted; everything else is not a number.
func numeric(v any) (float64, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var nonFiniteLiterals = [][]byte{
	[]byte("-Infinity"),
	[]byte("Infinity"),
	[]byte("NaN"),
}

// nullNonFinite rewrites NaN, Infinity and -Infinity tokens outside string
// literals to null. Anything else is copied unchanged.
func nullNonFinite(payload []byte) []byte {
	if !bytes.Contains(payload, []byte("NaN")) && !bytes.Contains(payload, []byte("Infinity")) {
		return payload
	}

	out := make([]byte, 0, len(payload))
	inString, escaped := false, false

	for i := 0; i < len(payload); {
		c := payload[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			out = append(out, c)
			i++
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			i++
			continue
		}

		if n := nonFiniteAt(payload[i:]); n > 0 {
			out = append(out, "null"...)
			i += n
			continue
		}

		out = append(out, c)
		i++
	}

	return out
}

// nonFiniteAt returns the length of the non-finite literal at the start of
// b, or 0 when there is none.
func nonFiniteAt(b []byte) int {
	for _, lit := range nonFiniteLiterals {
		if !bytes.HasPrefix(b, lit) {
			continue
		}
		if len(b) > len(lit) && isIdentByte(b[len(lit)]) {
			return 0
		}
		return len(lit)
	}
	return 0
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "unknown"
	}
}
