package ops

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stamp returns op with its timestamp replaced. Operations decoded from a
// client keep every other field they arrived with.
func Stamp(op Op, at int64) (Op, error) {
	switch o := op.(type) {
	case MemberAdded:
		if o.raw == nil {
			o.at = at
			return o, nil
		}
	case MemberRemoved:
		if o.raw == nil {
			o.at = at
			return o, nil
		}
	case CursorAdded:
		if o.raw == nil {
			o.at = at
			return o, nil
		}
	case CursorRemoved:
		if o.raw == nil {
			o.at = at
			return o, nil
		}
	case MetadataUpdated:
		if o.raw == nil {
			o.at = at
			return o, nil
		}
	}

	b, err := op.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("stamp %s: %w", op.Type(), err)
	}
	fields["timestamp"] = json.RawMessage(strconv.FormatInt(at, 10))
	b, err = json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
