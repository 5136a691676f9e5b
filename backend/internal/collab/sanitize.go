package collab

import "github.com/webodf/Kotype/backend/internal/ops"

// Sanitize returns the compensations for cursors and members a log leaves
// open: a RemoveCursor for every cursor whose last entry is an AddCursor,
// then a RemoveMember for every such member, in the order the ids first
// appear. All compensations carry timestamp at. A balanced log yields none.
func Sanitize(log []ops.Op, at int64) []ops.Op {
	var (
		cursorOrder, memberOrder []string
		cursorOpen               = map[string]bool{}
		memberOpen               = map[string]bool{}
	)
	mark := func(open map[string]bool, order *[]string, id string, v bool) {
		if _, seen := open[id]; !seen {
			*order = append(*order, id)
		}
		open[id] = v
	}

	for _, op := range log {
		switch op.(type) {
		case ops.CursorAdded:
			mark(cursorOpen, &cursorOrder, op.Member(), true)
		case ops.CursorRemoved:
			mark(cursorOpen, &cursorOrder, op.Member(), false)
		case ops.MemberAdded:
			mark(memberOpen, &memberOrder, op.Member(), true)
		case ops.MemberRemoved:
			mark(memberOpen, &memberOrder, op.Member(), false)
		}
	}

	var out []ops.Op
	for _, id := range cursorOrder {
		if cursorOpen[id] {
			out = append(out, ops.NewCursorRemoved(id, at))
		}
	}
	for _, id := range memberOrder {
		if memberOpen[id] {
			out = append(out, ops.NewMemberRemoved(id, at))
		}
	}
	return out
}
