package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webodf/Kotype/backend/internal/ops"
)

func TestSanitizeOpenCursor(t *testing.T) {
	const at = 1_600_000_000_000
	log := []ops.Op{
		ops.NewMemberAdded("m1", 1, ops.Profile{}),
		ops.NewCursorAdded("m1", 2),
		ops.NewMemberRemoved("m1", 3),
	}
	got := Sanitize(log, at)
	assert.Equal(t, []ops.Op{ops.NewCursorRemoved("m1", at)}, got)
}

func TestSanitizeOrder(t *testing.T) {
	log := []ops.Op{
		ops.NewMemberAdded("b", 1, ops.Profile{}),
		ops.NewMemberAdded("a", 1, ops.Profile{}),
		ops.NewCursorAdded("a", 2),
		ops.NewCursorAdded("b", 2),
		ops.NewCursorRemoved("b", 3),
		ops.NewCursorAdded("b", 4),
		ops.NewMemberAdded("c", 5, ops.Profile{}),
		ops.NewMemberRemoved("c", 6),
	}
	got := Sanitize(log, 9)
	assert.Equal(t, []ops.Op{
		ops.NewCursorRemoved("a", 9),
		ops.NewCursorRemoved("b", 9),
		ops.NewMemberRemoved("b", 9),
		ops.NewMemberRemoved("a", 9),
	}, got)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	log := []ops.Op{
		ops.NewMemberAdded("m1", 1, ops.Profile{}),
		ops.NewCursorAdded("m1", 2),
		ops.NewMemberAdded("m2", 3, ops.Profile{}),
	}
	fixed := append(log, Sanitize(log, 10)...)
	assert.Empty(t, Sanitize(fixed, 20))
	assert.Empty(t, Sanitize(nil, 0))
}

func TestSanitizeIgnoresOtherOps(t *testing.T) {
	log := []ops.Op{
		opaque("m1", 0),
		ops.NewMetadataUpdated("m1", 1, map[string]any{"dc:title": "x"}),
	}
	assert.Empty(t, Sanitize(log, 5))
}
