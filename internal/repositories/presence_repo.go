package repositories

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix                = "user:"
	connectionKeyPrefix          = "connection:"
	instanceKeyPrefix            = "instance:"
	instanceConnectionsKeyPrefix = "instance-connections:"
	onlineUsersKey               = "online-users"
	userIDsKey                   = "user-ids"

	scanBatchSize = 100
)

// registerScript adds a connection and reports whether it was newly added along
// with the post-add cardinality of the user's set. Both are computed inside the
// script so concurrent registrations never observe each other's half-done state.
var registerScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[4], 'username', ARGV[1], 'user_id', ARGV[3], 'instance_id', ARGV[4], 'established_at', ARGV[5])
redis.call('SADD', KEYS[5], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
local n = redis.call('SCARD', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[1])
return {added, n}
`)

// deregisterScript removes a connection and, when the user's set becomes empty,
// drops every per-user key and the online-users entry in the same step.
var deregisterScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[2])
if removed == 1 then
  local inst = redis.call('HGET', KEYS[4], 'instance_id')
  if inst then
    redis.call('SREM', ARGV[3] .. inst, ARGV[2])
  end
  redis.call('DEL', KEYS[4])
end
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return {removed, n}
`)

type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client}
}

// AddConnection stores conn under its user's set and tags it with its instance.
// added is false when the connection id was already registered.
func (r *RedisPresenceRepository) AddConnection(ctx context.Context, conn *models.Connection) (added bool, setSize int64, err error) {
	keys := []string{
		userKey(conn.Username),
		onlineUsersKey,
		userIDsKey,
		connectionKey(conn.ID),
		instanceConnectionsKey(conn.InstanceID),
	}

	res, err := registerScript.Run(ctx, r.client, keys,
		conn.Username,
		conn.ID,
		conn.UserID,
		conn.InstanceID,
		conn.EstablishedAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to add connection: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("failed to add connection: unexpected script reply %v", res)
	}

	return res[0] == 1, res[1], nil
}

// RemoveConnection removes connectionID from username's set. remaining is the
// post-removal cardinality; removed is false if the id was not in the set.
func (r *RedisPresenceRepository) RemoveConnection(ctx context.Context, username, connectionID string) (removed bool, remaining int64, err error) {
	keys := []string{
		userKey(username),
		onlineUsersKey,
		userIDsKey,
		connectionKey(connectionID),
	}

	res, err := deregisterScript.Run(ctx, r.client, keys,
		username,
		connectionID,
		instanceConnectionsKeyPrefix,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to remove connection: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("failed to remove connection: unexpected script reply %v", res)
	}

	return res[0] == 1, res[1], nil
}

func (r *RedisPresenceRepository) GetConnectionIDs(ctx context.Context, username string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userKey(username)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get connections: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisPresenceRepository) GetConnection(ctx context.Context, connectionID string) (*models.Connection, error) {
	fields, err := r.client.HGetAll(ctx, connectionKey(connectionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	conn := &models.Connection{
		ID:         connectionID,
		Username:   fields["username"],
		InstanceID: fields["instance_id"],
	}
	if v, err := strconv.ParseInt(fields["user_id"], 10, 64); err == nil {
		conn.UserID = v
	}
	if v, err := strconv.ParseInt(fields["established_at"], 10, 64); err == nil {
		conn.EstablishedAt = time.UnixMilli(v)
	}
	return conn, nil
}

// GetOnlineUsers returns the online-users index joined with the stored user ids,
// sorted by username. Usernames without a stored id are skipped.
func (r *RedisPresenceRepository) GetOnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	usernames, err := r.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(usernames) == 0 {
		return []models.OnlineUser{}, nil
	}
	sort.Strings(usernames)

	ids, err := r.client.HMGet(ctx, userIDsKey, usernames...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online user ids: %w", err)
	}

	users := make([]models.OnlineUser, 0, len(usernames))
	for i, username := range usernames {
		raw, ok := ids[i].(string)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		users = append(users, models.OnlineUser{ID: id, Username: username})
	}
	return users, nil
}

// GetAllConnections lists every connection believed online, grouped by the
// online-users index. Only ID and Username are populated.
func (r *RedisPresenceRepository) GetAllConnections(ctx context.Context) ([]models.Connection, error) {
	usernames, err := r.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(usernames) == 0 {
		return nil, nil
	}
	sort.Strings(usernames)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(usernames))
	for i, username := range usernames {
		cmds[i] = pipe.SMembers(ctx, userKey(username))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get connections: %w", err)
	}

	var conns []models.Connection
	for i, cmd := range cmds {
		ids := cmd.Val()
		sort.Strings(ids)
		for _, id := range ids {
			conns = append(conns, models.Connection{ID: id, Username: usernames[i]})
		}
	}
	return conns, nil
}

// GetInstanceConnections returns the connections registered by instanceID.
// Ids whose connection record is already gone are pruned from the index.
func (r *RedisPresenceRepository) GetInstanceConnections(ctx context.Context, instanceID string) ([]models.Connection, error) {
	key := instanceConnectionsKey(instanceID)
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance connections: %w", err)
	}
	sort.Strings(ids)

	var conns []models.Connection
	var orphaned []interface{}
	for _, id := range ids {
		conn, err := r.GetConnection(ctx, id)
		if errors.Is(err, ErrNotFound) {
			orphaned = append(orphaned, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}

	if len(orphaned) > 0 {
		if err := r.client.SRem(ctx, key, orphaned...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune instance connections: %w", err)
		}
	}
	return conns, nil
}

func (r *RedisPresenceRepository) SetHeartbeat(ctx context.Context, heartbeat models.InstanceHeartbeat) error {
	key := instanceKey(heartbeat.InstanceID)
	err := r.client.Set(ctx, key, heartbeat.LastSeenAt.UnixMilli(), 0).Err()
	if err != nil {
		return fmt.Errorf("failed to set heartbeat: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) GetHeartbeat(ctx context.Context, instanceID string) (*models.InstanceHeartbeat, error) {
	ms, err := r.client.Get(ctx, instanceKey(instanceID)).Int64()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return &models.InstanceHeartbeat{InstanceID: instanceID, LastSeenAt: time.UnixMilli(ms)}, nil
}

// ListHeartbeats scans every instance:{id} key.
func (r *RedisPresenceRepository) ListHeartbeats(ctx context.Context) ([]models.InstanceHeartbeat, error) {
	var heartbeats []models.InstanceHeartbeat

	iter := r.client.Scan(ctx, 0, instanceKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		instanceID := strings.TrimPrefix(iter.Val(), instanceKeyPrefix)
		hb, err := r.GetHeartbeat(ctx, instanceID)
		if errors.Is(err, ErrNotFound) {
			// deleted between SCAN and GET
			continue
		}
		if err != nil {
			return nil, err
		}
		heartbeats = append(heartbeats, *hb)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan heartbeats: %w", err)
	}

	sort.Slice(heartbeats, func(i, j int) bool {
		return heartbeats[i].InstanceID < heartbeats[j].InstanceID
	})
	return heartbeats, nil
}

// ListConnectionInstances returns the ids of instances that still own at
// least one connection, whether or not they have a heartbeat.
func (r *RedisPresenceRepository) ListConnectionInstances(ctx context.Context) ([]string, error) {
	var ids []string

	iter := r.client.Scan(ctx, 0, instanceConnectionsKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), instanceConnectionsKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan instance connections: %w", err)
	}

	sort.Strings(ids)
	return ids, nil
}

// DeleteInstance removes an instance heartbeat and its connection index.
func (r *RedisPresenceRepository) DeleteInstance(ctx context.Context, instanceID string) error {
	err := r.client.Del(ctx, instanceKey(instanceID), instanceConnectionsKey(instanceID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) DeleteHeartbeat(ctx context.Context, instanceID string) error {
	err := r.client.Del(ctx, instanceKey(instanceID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// Helpers: build Redis keys
func userKey(username string) string {
	return userKeyPrefix + username
}

func connectionKey(connectionID string) string {
	return connectionKeyPrefix + connectionID
}

func instanceKey(instanceID string) string {
	return instanceKeyPrefix + instanceID
}

func instanceConnectionsKey(instanceID string) string {
	return instanceConnectionsKeyPrefix + instanceID
}
