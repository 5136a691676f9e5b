package ops

import (
	"encoding/json"
	"fmt"
)

// Log is an ordered operation log. It is the JSON column persisted with each
// document.
type Log []Op

func (l Log) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Op(l))
}

func (l *Log) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return fmt.Errorf("decode operation log: %w", err)
	}
	out := make(Log, 0, len(raws))
	for i, r := range raws {
		op, err := Decode(r)
		if err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, op)
	}
	*l = out
	return nil
}

// Clone returns a copy sharing the (immutable) ops.
func (l Log) Clone() Log {
	if l == nil {
		return nil
	}
	out := make(Log, len(l))
	copy(out, l)
	return out
}
