package cache

import "fmt"

// Key layout:
// - roomKey(docID):  members present in a session, ZSet<memberId, expireAtUnix>
// - namesKey(docID): memberId -> display name, Hash
//
// The {docID:...} hash tag keeps both keys of a document in one cluster slot,
// which the expiry script needs.
const (
	keyRoomFmt  = "presence:room:{docID:%s}"
	keyNamesFmt = "presence:room:names:{docID:%s}"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
