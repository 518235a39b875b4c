package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversationKeySymmetric(t *testing.T) {
	t.Parallel()

	require.Equal(t, ConversationKey(7, 42), ConversationKey(42, 7))
	require.Equal(t, RouteKey("dm:42_7"), ConversationKey(7, 42))
	require.Equal(t, RouteKey("dm:1_1"), ConversationKey(1, 1))
}

func TestConversationKeyDistinctPairs(t *testing.T) {
	t.Parallel()

	require.NotEqual(t, ConversationKey(1, 2), ConversationKey(1, 3))
	require.NotEqual(t, ConversationKey(1, 2), ConversationKey(12, 0))
}

func TestRoomKeyNeverCollidesWithConversationKey(t *testing.T) {
	t.Parallel()

	// a room literally named after a conversation pair still routes
	// separately
	require.NotEqual(t, RoomKey("1_2"), ConversationKey(1, 2))
}
