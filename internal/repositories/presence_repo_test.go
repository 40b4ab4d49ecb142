package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPresenceRepository_AddConnection tests the first and second connection of a user
func TestPresenceRepository_AddConnection(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	// ACT: Add the first connection
	added, size, err := repo.AddConnection(ctx, testConnection("alice", "c1", 1, "node-a"))

	// ASSERT: New set of size 1, user indexed online
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, int64(1), size)

	users, err := repo.GetOnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.OnlineUser{{ID: 1, Username: "alice"}}, users)

	// ACT: Add a second device
	added, size, err = repo.AddConnection(ctx, testConnection("alice", "c2", 1, "node-a"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, int64(2), size)

	// Re-adding an existing id is not a new connection
	added, size, err = repo.AddConnection(ctx, testConnection("alice", "c2", 1, "node-a"))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, int64(2), size)

	ids, err := repo.GetConnectionIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

// TestPresenceRepository_RemoveConnection tests removal down to an empty set
func TestPresenceRepository_RemoveConnection(t *testing.T) {
	client, mr := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	_, _, err := repo.AddConnection(ctx, testConnection("alice", "c1", 1, "node-a"))
	require.NoError(t, err)
	_, _, err = repo.AddConnection(ctx, testConnection("alice", "c2", 1, "node-a"))
	require.NoError(t, err)

	removed, remaining, err := repo.RemoveConnection(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(1), remaining)

	removed, remaining, err = repo.RemoveConnection(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, int64(0), remaining)

	// Removing again is a no-op
	removed, remaining, err = repo.RemoveConnection(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(0), remaining)

	// No residual keys for the user
	assert.False(t, mr.Exists("user:alice"))
	assert.False(t, mr.Exists("connection:c1"))
	assert.False(t, mr.Exists("connection:c2"))
	assert.False(t, mr.Exists("instance-connections:node-a"))
	assert.False(t, mr.Exists(onlineUsersKey))
	assert.False(t, mr.Exists(userIDsKey))
}

func TestPresenceRepository_RemoveConnectionWrongUsername(t *testing.T) {
	client, mr := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	_, _, err := repo.AddConnection(ctx, testConnection("alice", "c1", 1, "node-a"))
	require.NoError(t, err)

	// c1 belongs to alice; removing it under bob must not touch alice's record
	removed, remaining, err := repo.RemoveConnection(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(0), remaining)

	conn, err := repo.GetConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", conn.Username)

	owned, err := repo.GetInstanceConnections(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "c1", owned[0].ID)

	ok, err := mr.SIsMember("instance-connections:node-a", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestPresenceRepository_GetConnection tests instance attribution of a connection
func TestPresenceRepository_GetConnection(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	conn := testConnection("bob", "c9", 2, "node-b")
	_, _, err := repo.AddConnection(ctx, conn)
	require.NoError(t, err)

	got, err := repo.GetConnection(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Username)
	assert.Equal(t, int64(2), got.UserID)
	assert.Equal(t, "node-b", got.InstanceID)
	assert.Equal(t, conn.EstablishedAt.UnixMilli(), got.EstablishedAt.UnixMilli())

	_, err = repo.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestPresenceRepository_GetAllConnections tests the sweep listing
func TestPresenceRepository_GetAllConnections(t *testing.T) {
	client, _ := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	for _, c := range []*models.Connection{
		testConnection("bob", "b1", 2, "node-a"),
		testConnection("alice", "a2", 1, "node-a"),
		testConnection("alice", "a1", 1, "node-b"),
	} {
		_, _, err := repo.AddConnection(ctx, c)
		require.NoError(t, err)
	}

	conns, err := repo.GetAllConnections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Connection{
		{ID: "a1", Username: "alice"},
		{ID: "a2", Username: "alice"},
		{ID: "b1", Username: "bob"},
	}, conns)

	byInstance, err := repo.GetInstanceConnections(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, byInstance, 2)
	assert.Equal(t, "a2", byInstance[0].ID)
	assert.Equal(t, "b1", byInstance[1].ID)
}

// TestPresenceRepository_Heartbeats tests heartbeat upsert, scan and delete
func TestPresenceRepository_Heartbeats(t *testing.T) {
	client, mr := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, repo.SetHeartbeat(ctx, models.InstanceHeartbeat{InstanceID: "node-b", LastSeenAt: now}))
	require.NoError(t, repo.SetHeartbeat(ctx, models.InstanceHeartbeat{InstanceID: "node-a", LastSeenAt: now.Add(-time.Hour)}))

	// An instance connection index must not show up as a heartbeat
	_, _, err := repo.AddConnection(ctx, testConnection("alice", "c1", 1, "node-a"))
	require.NoError(t, err)

	heartbeats, err := repo.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, heartbeats, 2)
	assert.Equal(t, "node-a", heartbeats[0].InstanceID)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), heartbeats[0].LastSeenAt.UnixMilli())
	assert.Equal(t, "node-b", heartbeats[1].InstanceID)

	owners, err := repo.ListConnectionInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, owners)

	require.NoError(t, repo.DeleteHeartbeat(ctx, "node-b"))
	_, err = repo.GetHeartbeat(ctx, "node-b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.DeleteInstance(ctx, "node-a"))
	assert.False(t, mr.Exists("instance:node-a"))
	assert.False(t, mr.Exists("instance-connections:node-a"))
}

// TestPresenceRepository_StoreUnavailable tests that errors surface when Redis is down
func TestPresenceRepository_StoreUnavailable(t *testing.T) {
	client, mr := getTestRedisClient(t)
	repo := NewRedisPresenceRepository(client)
	ctx := context.Background()

	mr.Close()

	_, _, err := repo.AddConnection(ctx, testConnection("alice", "c1", 1, "node-a"))
	assert.Error(t, err)

	_, err = repo.GetOnlineUsers(ctx)
	assert.Error(t, err)
}

// Helper functions for test setup

// getTestRedisClient returns a Redis client backed by an in-memory server
func getTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })

	err := client.Ping(context.Background()).Err()
	require.NoError(t, err, "Failed to connect to test Redis")

	return client, mr
}

func testConnection(username, id string, userID int64, instanceID string) *models.Connection {
	return &models.Connection{
		ID:            id,
		Username:      username,
		UserID:        userID,
		InstanceID:    instanceID,
		EstablishedAt: time.Now(),
	}
}

func ExampleRedisPresenceRepository_AddConnection() {
	mr, _ := miniredis.Run()
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := NewRedisPresenceRepository(client)
	added, size, _ := repo.AddConnection(context.Background(), &models.Connection{
		ID: "c1", Username: "alice", UserID: 1, InstanceID: "node-a", EstablishedAt: time.Now(),
	})
	fmt.Println(added, size)
	// Output: true 1
}
