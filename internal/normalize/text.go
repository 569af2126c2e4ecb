package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Text is a string field that also accepts JSON numbers and booleans, which
// the upstream sometimes sends for string-typed properties. Numbers keep
// their literal text.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	case '{', '[':
		return fmt.Errorf("cannot use %s as text", trimmed[:1])
	case 'n':
		// null leaves the value unchanged
		if string(trimmed) != "null" {
			return fmt.Errorf("invalid text value %s", trimmed)
		}
		return nil
	default:
		*t = Text(trimmed)
		return nil
	}
}
