package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the optype tag every operation carries.
type Type string

// The administrative kinds the server inspects. Everything else is forwarded
// as Opaque.
const (
	TypeAddMember      Type = "AddMember"
	TypeRemoveMember   Type = "RemoveMember"
	TypeAddCursor      Type = "AddCursor"
	TypeRemoveCursor   Type = "RemoveCursor"
	TypeUpdateMetadata Type = "UpdateMetadata"
)

const titleProperty = "dc:title"

var ErrMissingType = errors.New("operation has no optype")

// Op is one entry of a document's operation log. The set of implementations
// is closed: MemberAdded, MemberRemoved, CursorAdded, CursorRemoved,
// MetadataUpdated and Opaque.
type Op interface {
	Type() Type
	Member() string
	// Timestamp is in milliseconds since the epoch.
	Timestamp() int64
	MarshalJSON() ([]byte, error)
	sealed()
}

// Profile is the display information announced by AddMember.
type Profile struct {
	FullName string `json:"fullName"`
	Color    string `json:"color"`
	ImageURL string `json:"imageUrl"`
}

type base struct {
	member string
	at     int64
	// raw holds the bytes a client sent; ops the server synthesizes have none.
	raw json.RawMessage
}

func (b base) Member() string   { return b.member }
func (b base) Timestamp() int64 { return b.at }
func (base) sealed()            {}

type wire struct {
	OpType        Type   `json:"optype"`
	MemberID      string `json:"memberid"`
	Timestamp     int64  `json:"timestamp"`
	SetProperties any    `json:"setProperties,omitempty"`
}

func (b base) encode(t Type, props any) ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	return json.Marshal(wire{OpType: t, MemberID: b.member, Timestamp: b.at, SetProperties: props})
}

type MemberAdded struct {
	base
	profile Profile
}

func NewMemberAdded(memberID string, at int64, p Profile) MemberAdded {
	return MemberAdded{base: base{member: memberID, at: at}, profile: p}
}

func (MemberAdded) Type() Type                     { return TypeAddMember }
func (m MemberAdded) Profile() Profile             { return m.profile }
func (m MemberAdded) MarshalJSON() ([]byte, error) { return m.encode(TypeAddMember, m.profile) }

type MemberRemoved struct{ base }

func NewMemberRemoved(memberID string, at int64) MemberRemoved {
	return MemberRemoved{base{member: memberID, at: at}}
}

func (MemberRemoved) Type() Type                     { return TypeRemoveMember }
func (m MemberRemoved) MarshalJSON() ([]byte, error) { return m.encode(TypeRemoveMember, nil) }

type CursorAdded struct{ base }

func NewCursorAdded(memberID string, at int64) CursorAdded {
	return CursorAdded{base{member: memberID, at: at}}
}

func (CursorAdded) Type() Type                     { return TypeAddCursor }
func (c CursorAdded) MarshalJSON() ([]byte, error) { return c.encode(TypeAddCursor, nil) }

type CursorRemoved struct{ base }

func NewCursorRemoved(memberID string, at int64) CursorRemoved {
	return CursorRemoved{base{member: memberID, at: at}}
}

func (CursorRemoved) Type() Type                     { return TypeRemoveCursor }
func (c CursorRemoved) MarshalJSON() ([]byte, error) { return c.encode(TypeRemoveCursor, nil) }

type MetadataUpdated struct {
	base
	props map[string]any
}

func NewMetadataUpdated(memberID string, at int64, props map[string]any) MetadataUpdated {
	return MetadataUpdated{base: base{member: memberID, at: at}, props: props}
}

func (MetadataUpdated) Type() Type { return TypeUpdateMetadata }

// Title reports the dc:title property when the update sets one.
func (m MetadataUpdated) Title() (string, bool) {
	v, ok := m.props[titleProperty]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m MetadataUpdated) MarshalJSON() ([]byte, error) {
	return m.encode(TypeUpdateMetadata, m.props)
}

// Opaque is any operation the server does not interpret. It is stored and
// forwarded exactly as received.
type Opaque struct {
	base
	typ Type
}

func (o Opaque) Type() Type                   { return o.typ }
func (o Opaque) MarshalJSON() ([]byte, error) { return o.encode(o.typ, nil) }

type header struct {
	OpType        Type            `json:"optype"`
	MemberID      string          `json:"memberid"`
	Timestamp     json.RawMessage `json:"timestamp"`
	SetProperties json.RawMessage `json:"setProperties"`
}

// Decode parses a single operation and keeps its bytes for verbatim
// re-encoding.
func Decode(b []byte) (Op, error) {
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	if h.OpType == "" {
		return nil, ErrMissingType
	}
	bs := base{
		member: h.MemberID,
		at:     parseTimestamp(h.Timestamp),
		raw:    append(json.RawMessage(nil), b...),
	}

	switch h.OpType {
	case TypeAddMember:
		var p Profile
		if len(h.SetProperties) > 0 {
			// profile fields are informational only
			_ = json.Unmarshal(h.SetProperties, &p)
		}
		return MemberAdded{base: bs, profile: p}, nil
	case TypeRemoveMember:
		return MemberRemoved{bs}, nil
	case TypeAddCursor:
		return CursorAdded{bs}, nil
	case TypeRemoveCursor:
		return CursorRemoved{bs}, nil
	case TypeUpdateMetadata:
		var props map[string]any
		if len(h.SetProperties) > 0 {
			_ = json.Unmarshal(h.SetProperties, &props)
		}
		return MetadataUpdated{base: bs, props: props}, nil
	default:
		return Opaque{base: bs, typ: h.OpType}, nil
	}
}

// parseTimestamp accepts epoch milliseconds as a number, or an RFC 3339
// string as older documents stored dates that way.
func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int64(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}
