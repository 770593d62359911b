// Package canonical serializes JSON payloads into a canonical form (sorted keys, NFC strings,
// shortest numbers, no insignificant whitespace) and hashes them.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

var ErrInvalidJSON = errors.New("invalid JSON payload")

const hexDigits = "0123456789abcdef"

// Marshal returns the canonical encoding of raw, which must hold exactly one JSON value.
func Marshal(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}

	var buf bytes.Buffer
	if err := encode(&buf, value); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MarshalValue canonicalizes an arbitrary Go value by round-tripping it through encoding/json.
func MarshalValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	return Marshal(raw)
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of raw.
func Hash(raw []byte) (string, error) {
	canonical, err := Marshal(raw)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, value any) error {
	switch val := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		number, err := formatNumber(val)
		if err != nil {
			return err
		}

		buf.WriteString(number)
	case string:
		encodeString(buf, val)
	case []any:
		buf.WriteByte('[')

		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}

		buf.WriteByte(']')
	case map[string]any:
		return encodeObject(buf, val)
	default:
		return fmt.Errorf("unsupported type %T", value)
	}

	return nil
}

func encodeObject(buf *bytes.Buffer, object map[string]any) error {
	normalized := make(map[string]any, len(object))
	keys := make([]string, 0, len(object))

	for key, value := range object {
		nfc := norm.NFC.String(key)
		if _, exists := normalized[nfc]; exists {
			return fmt.Errorf("%w: duplicate key %q after normalization", ErrInvalidJSON, nfc)
		}

		normalized[nfc] = value
		keys = append(keys, nfc)
	}

	// Keys are ordered by their UTF-16 code units.
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})

	buf.WriteByte('{')

	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		encodeString(buf, key)
		buf.WriteByte(':')

		if err := encode(buf, normalized[key]); err != nil {
			return fmt.Errorf("[%q]: %w", key, err)
		}
	}

	buf.WriteByte('}')

	return nil
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))

	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}

	return len(ua) < len(ub)
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')

	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])

				continue
			}

			buf.WriteRune(r)
		}
	}

	buf.WriteByte('"')
}

// formatNumber renders n the way ECMAScript's Number.prototype.toString does.
func formatNumber(n json.Number) (string, error) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return "", fmt.Errorf("%w: number %s: %w", ErrInvalidJSON, n, err)
	}

	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", fmt.Errorf("%w: number %s out of range", ErrInvalidJSON, n)
	}

	if f == 0 {
		return "0", nil
	}

	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}

	formatted := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exponent, _ := strings.Cut(formatted, "e")

	sign := exponent[:1]
	digits := strings.TrimLeft(exponent[1:], "0")

	return mantissa + "e" + sign + digits, nil
}
