package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EncodeDecimalSafe serializes v to JSON text, converting every arbitrary
// precision decimal (json.Number with a fraction or exponent, *big.Float,
// *big.Rat) to float64 first. Output uses ", " and ": " separators and
// ASCII-only string escapes. Objects decoded from JSON text keep their member
// order; Go maps have none, so their keys are written sorted.
func EncodeDecimalSafe(v any) (string, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, 0); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// maxDepth guards against self-referencing values.
const maxDepth = 256

func encodeValue(buf *bytes.Buffer, v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("value nested deeper than %d levels", maxDepth)
	}

	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case float64:
		return writeFloat(buf, t)
	case float32:
		return writeFloat(buf, float64(t))
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case *big.Int:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(t.String())
	case *big.Float:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		f, _ := t.Float64()
		return writeFloat(buf, f)
	case *big.Rat:
		if t == nil {
			buf.WriteString("null")
			return nil
		}
		f, _ := t.Float64()
		return writeFloat(buf, f)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return writeObject(buf, object{keys: keys, values: t}, depth)
	case object:
		return writeObject(buf, t, depth)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := encodeValue(buf, item, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.RawMessage:
		tree, err := decodeTree(t)
		if err != nil {
			return err
		}
		return encodeValue(buf, tree, depth+1)
	default:
		// Anything else goes through encoding/json first and is re-walked so
		// nested numbers get the same treatment.
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("unsupported value of type %T: %w", v, err)
		}
		tree, err := decodeTree(raw)
		if err != nil {
			return err
		}
		return encodeValue(buf, tree, depth+1)
	}
	return nil
}

// object is a JSON object in member order.
type object struct {
	keys   []string
	values map[string]any
}

func writeObject(buf *bytes.Buffer, m object, depth int) error {
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		writeString(buf, k)
		buf.WriteString(": ")
		if err := encodeValue(buf, m.values[k], depth+1); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeNumber keeps integer literals exact and converts anything with a
// fraction or exponent to float64.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if s == "" {
		return fmt.Errorf("empty number literal")
	}
	if !strings.ContainsAny(s, ".eE") {
		if _, ok := new(big.Int).SetString(s, 10); !ok {
			return fmt.Errorf("invalid number literal %q", s)
		}
		buf.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decimal %s does not fit a float: %w", s, err)
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("float value %v is not representable in JSON", f)
	}
	buf.WriteString(FormatFloat(f))
	return nil
}

// FormatFloat renders f the way a shortest round-trip float repr does:
// fixed notation with a trailing ".0" for 1e-4 <= |f| < 1e16, exponent
// notation ("1e-05", "1.5e+20") otherwise.
func FormatFloat(f float64) string {
	if f == 0 {
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)
	decpt := exp + 1

	if decpt > -4 && decpt <= 16 {
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}

	sign := "+"
	if exp < 0 {
		sign = "-"
		exp = -exp
	}
	return fmt.Sprintf("%se%s%02d", mant, sign, exp)
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r < 0x20 || (r >= 0x7f && r <= 0xffff):
			fmt.Fprintf(buf, `\u%04x`, r)
		case r > 0xffff:
			r1, r2 := surrogates(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, r1, r2)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

func surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xd800 + (r>>10)&0x3ff, 0xdc00 + r&0x3ff
}

// decodeTree parses raw JSON keeping numbers as json.Number and objects in
// member order. A repeated key keeps its first position and its last value.
func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	v, err := decodeNext(dec, 0)
	if err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decoding value: unexpected data after top-level value")
	}
	return v, nil
}

func decodeNext(dec *json.Decoder, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		obj := object{values: map[string]any{}}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			k := kt.(string)
			v, err := decodeNext(dec, depth+1)
			if err != nil {
				return nil, err
			}
			if _, seen := obj.values[k]; !seen {
				obj.keys = append(obj.keys, k)
			}
			obj.values[k] = v
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeNext(dec, depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", d)
}
