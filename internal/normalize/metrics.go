package normalize

import (
	"bytes"
	"encoding/json"
)

// Metrics is an opaque upstream payload that is emitted as a JSON string.
// Values that already arrive as a string are treated as encoded.
type Metrics struct {
	value   any
	text    string
	encoded bool
}

// NewMetrics wraps an in-memory value that still needs encoding.
func NewMetrics(v any) *Metrics {
	return &Metrics{value: v}
}

// Encode serializes the payload with EncodeDecimalSafe. Calling it on an
// encoded payload is a no-op.
func (m *Metrics) Encode() error {
	if m == nil || m.encoded {
		return nil
	}
	s, err := EncodeDecimalSafe(m.value)
	if err != nil {
		return err
	}
	m.text = s
	m.value = nil
	m.encoded = true
	return nil
}

// Encoded reports whether the payload has been turned into JSON text.
func (m *Metrics) Encoded() bool {
	return m != nil && m.encoded
}

// String returns the encoded JSON text, or "" before encoding.
func (m *Metrics) String() string {
	if m == nil {
		return ""
	}
	return m.text
}

func (m *Metrics) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*m = Metrics{text: s, encoded: true}
		return nil
	}
	v, err := decodeTree(trimmed)
	if err != nil {
		return err
	}
	*m = Metrics{value: v}
	return nil
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	if !m.encoded {
		if err := m.Encode(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m.text)
}
