package chat

import (
	"sort"
	"strconv"
	"strings"
)

// RouteKey identifies one fan-out target: a room or a two-party
// conversation. Keys are namespaced so a room whose name happens to
// look like a conversation key can never collide with one.
type RouteKey string

// RoomKey returns the route key for a named room.
func RoomKey(name string) RouteKey {
	return RouteKey("room:" + name)
}

// ConversationKey derives the symmetric identifier of a two-party
// private chat: the sorted, "_"-joined pair of participant ids, so
// (a, b) and (b, a) map to the same key.
//
// The derivation relies on ids rendering to decimal strings, which can
// never contain the delimiter. The pair is sorted lexically on the
// rendered form to match the historical key format; if the id format
// ever changes this derivation must be revisited.
func ConversationKey(a, b int64) RouteKey {
	pair := []string{
		strconv.FormatInt(a, 10),
		strconv.FormatInt(b, 10),
	}
	sort.Strings(pair)
	return RouteKey("dm:" + strings.Join(pair, "_"))
}
