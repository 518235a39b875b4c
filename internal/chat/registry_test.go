package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/storage/memory"
)

func TestRegistryPresenceTracksSessionCount(t *testing.T) {
	logger := zap.NewNop().Sugar()
	backend := memory.New(logger)
	registry := NewSessionRegistry(logger, backend)
	ctx := context.Background()

	id, err := backend.CreateUser(ctx, "alice", "alice@example.com", "x")
	require.NoError(t, err)

	phone := registry.Register(ctx, &fakeConn{}, id, "alice")
	laptop := registry.Register(ctx, &fakeConn{}, id, "alice")

	online, err := backend.IsOnline(ctx, id)
	require.NoError(t, err)
	require.True(t, online)

	// still online while one session remains
	registry.Deregister(ctx, phone)
	online, err = backend.IsOnline(ctx, id)
	require.NoError(t, err)
	require.True(t, online)

	registry.Deregister(ctx, laptop)
	online, err = backend.IsOnline(ctx, id)
	require.NoError(t, err)
	require.False(t, online)
}

func TestRegistrySubscriptions(t *testing.T) {
	logger := zap.NewNop().Sugar()
	registry := NewSessionRegistry(logger, memory.New(logger))
	ctx := context.Background()

	alice := registry.Register(ctx, &fakeConn{}, 1, "alice")
	bob := registry.Register(ctx, &fakeConn{}, 2, "bob")

	key := RoomKey("general")
	registry.Subscribe(alice, key)
	registry.Subscribe(bob, key)
	require.Len(t, registry.ConnectionsFor(key), 2)

	registry.Unsubscribe(alice, key)
	subscribers := registry.ConnectionsFor(key)
	require.Len(t, subscribers, 1)
	require.Equal(t, bob.ID, subscribers[0].ID)

	// deregister sweeps remaining subscriptions
	registry.Deregister(ctx, bob)
	require.Empty(t, registry.ConnectionsFor(key))
}

func TestRegistrySessionsForUser(t *testing.T) {
	logger := zap.NewNop().Sugar()
	registry := NewSessionRegistry(logger, memory.New(logger))
	ctx := context.Background()

	registry.Register(ctx, &fakeConn{}, 1, "alice")
	registry.Register(ctx, &fakeConn{}, 1, "alice")
	registry.Register(ctx, &fakeConn{}, 2, "bob")

	require.Len(t, registry.SessionsForUser(1), 2)
	require.Len(t, registry.SessionsForUser(2), 1)
	require.Empty(t, registry.SessionsForUser(3))
}

func TestRegistryDeregisterIdempotent(t *testing.T) {
	logger := zap.NewNop().Sugar()
	registry := NewSessionRegistry(logger, memory.New(logger))
	ctx := context.Background()

	s := registry.Register(ctx, &fakeConn{}, 1, "alice")
	registry.Deregister(ctx, s)
	registry.Deregister(ctx, s)

	require.Empty(t, registry.SessionsForUser(1))
}

func TestRegistrySubscribeAfterDeregisterIsNoop(t *testing.T) {
	logger := zap.NewNop().Sugar()
	registry := NewSessionRegistry(logger, memory.New(logger))
	ctx := context.Background()

	s := registry.Register(ctx, &fakeConn{}, 1, "alice")
	registry.Deregister(ctx, s)

	key := RoomKey("general")
	registry.Subscribe(s, key)
	require.Empty(t, registry.ConnectionsFor(key))
}
