package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/prudhvinik1/signalhub/internal/registry"
	"github.com/prudhvinik1/signalhub/internal/repositories"
	"github.com/prudhvinik1/signalhub/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	hub      *Hub
	presence *services.PresenceService
	store    *repositories.RedisPresenceRepository
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, Config{})
}

func newTestEnvWithConfig(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repositories.NewRedisPresenceRepository(client)
	presence := services.NewPresenceService(store, services.PresenceOptions{InstanceID: "node-a"}, logger)
	reg := registry.New()

	h := New(presence, reg, nil, cfg, logger)
	fanout := services.NewLocalFanout(reg, h, logger)
	h.Use(services.NewSignalingService(presence, fanout, logger), fanout)
	presence.OnUserOffline(h.NotifyOffline)

	server := httptest.NewServer(withTestIdentity(h))
	t.Cleanup(server.Close)

	return &testEnv{hub: h, presence: presence, store: store, server: server}
}

// withTestIdentity stands in for the JWT middleware: ?user=&id= become the identity.
func withTestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if name := q.Get("user"); name != "" {
			id, _ := strconv.ParseInt(q.Get("id"), 10, 64)
			r = r.WithContext(services.WithIdentity(r.Context(), &services.Identity{UserID: id, Username: name}))
		}
		next.ServeHTTP(w, r)
	})
}

func (e *testEnv) dial(t *testing.T, username string, id int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + fmt.Sprintf("/?user=%s&id=%d", username, id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one of type event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) models.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame models.Frame
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", event)
		if frame.Type == event {
			return frame
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, method string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Frame{Type: method, Payload: raw}))
}

func TestHub_PresenceAndOfferFlow(t *testing.T) {
	env := newTestEnv(t)

	alice := env.dial(t, "alice", 1)
	var ids []int64
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventGetOnlineUserIDs).Payload, &ids))
	assert.Equal(t, []int64{1}, ids)

	var detailed []models.OnlineUser
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventGetOnlineUsersDetailed).Payload, &detailed))
	assert.Equal(t, []models.OnlineUser{{ID: 1, Username: "alice"}}, detailed)

	bob := env.dial(t, "bob", 2)
	var online models.OnlineNotification
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventUserIsOnline).Payload, &online))
	assert.Equal(t, models.OnlineNotification{ID: 2, Username: "bob"}, online)

	require.NoError(t, json.Unmarshal(readEvent(t, bob, models.EventGetOnlineUserIDs).Payload, &ids))
	assert.Equal(t, []int64{1, 2}, ids)

	send(t, bob, models.MethodSendOffer, models.SendOfferRequest{TargetUserID: 1, Offer: "sdp..."})

	var offer models.OfferMessage
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventReceiveOffer).Payload, &offer))
	assert.Equal(t, "bob", offer.CallerUsername)
	assert.Equal(t, int64(2), offer.CallerID)
	assert.Equal(t, "sdp...", offer.Offer)
	assert.NotEmpty(t, offer.SourceConnectionID)

	// alice answers the exact device that offered
	send(t, alice, models.MethodSendAnswer, models.SendAnswerRequest{
		TargetUsername:     "bob",
		TargetConnectionID: offer.SourceConnectionID,
		Answer:             "answer-sdp",
	})
	var answer models.AnswerMessage
	require.NoError(t, json.Unmarshal(readEvent(t, bob, models.EventReceiveAnswer).Payload, &answer))
	assert.Equal(t, offer.SourceConnectionID, answer.TargetConnectionID)
	assert.Equal(t, "alice", answer.CalleeUsername)

	require.NoError(t, bob.Close())

	var offline models.OnlineNotification
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventUserIsOffline).Payload, &offline))
	assert.Equal(t, models.OnlineNotification{ID: 2, Username: "bob"}, offline)

	conns, err := env.presence.GetConnectionsForUser(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestHub_SecondDeviceDoesNotRebroadcastOnline(t *testing.T) {
	env := newTestEnv(t)

	bob := env.dial(t, "bob", 2)
	readEvent(t, bob, models.EventGetOnlineUsersDetailed)

	env.dial(t, "alice", 1)
	readEvent(t, bob, models.EventUserIsOnline)

	env.dial(t, "alice", 1)

	// the next event bob sees is the error for his bad frame, not a second UserIsOnline
	send(t, bob, "NoSuchMethod", nil)
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame models.Frame
	require.NoError(t, bob.ReadJSON(&frame))
	assert.Equal(t, models.EventError, frame.Type)
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_PingConnectionKeepAlive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.dial(t, "alice", 1)
	readEvent(t, alice, models.EventGetOnlineUsersDetailed)

	go func() {
		for {
			var frame models.Frame
			if err := alice.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == models.EventKeepAlive {
				var ka models.KeepAlive
				_ = json.Unmarshal(frame.Payload, &ka)
				raw, _ := json.Marshal(ka)
				_ = alice.WriteJSON(models.Frame{Type: models.MethodKeepAliveResponse, Payload: raw})
			}
		}
	}()

	conns, err := env.presence.GetConnectionsForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, conns, 1)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.True(t, env.hub.PingConnection(pctx, conns[0]))
}

func TestHub_UnresponsiveConnectionIsEvicted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.dial(t, "alice", 1)
	require.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	// alice never answers KeepAlive
	// the sweep and the closed socket race to deregister; either one wins
	_, err := env.presence.ValidateConnections(ctx, env.hub.PingConnection, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		ids, err := env.presence.GetOnlineUserIDs(ctx)
		return err == nil && len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PingRemoteConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	remote := services.NewPresenceService(env.store, services.PresenceOptions{InstanceID: "node-b"}, logger)
	_, err := remote.RegisterConnection(ctx, "carol", "remote-1", 3)
	require.NoError(t, err)

	// node-b has not heartbeated: its connection is treated as dead
	assert.False(t, env.hub.PingConnection(ctx, "remote-1"))

	require.NoError(t, remote.UpdateInstanceHeartbeat(ctx))
	assert.True(t, env.hub.PingConnection(ctx, "remote-1"))

	// claimed by this instance but not held locally
	_, err = env.presence.RegisterConnection(ctx, "dave", "ghost", 4)
	require.NoError(t, err)
	assert.False(t, env.hub.PingConnection(ctx, "ghost"))

	assert.False(t, env.hub.PingConnection(ctx, "unknown"))
}

func TestHub_Shutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.dial(t, "alice", 1)
	env.dial(t, "bob", 2)
	require.Eventually(t, func() bool { return env.hub.Count() == 2 }, time.Second, 5*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(sctx))

	assert.Equal(t, 0, env.hub.Count())
	ids, err := env.presence.GetOnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?user=carol&id=3"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_SweepDuringHandshakeKeepsConnection(t *testing.T) {
	ctx := context.Background()

	var (
		current atomic.Pointer[testEnv]
		removed int
		swept   = make(chan struct{})
	)
	env := newTestEnvWithConfig(t, Config{
		CheckOrigin: func(*http.Request) bool {
			// the connection is already in the store but not yet upgraded
			e := current.Load()
			removed, _ = e.presence.ValidateConnections(ctx, e.hub.PingConnection, time.Second)
			close(swept)
			return true
		},
	})
	current.Store(env)

	alice := env.dial(t, "alice", 1)
	<-swept
	assert.Equal(t, 0, removed)

	var ids []int64
	require.NoError(t, json.Unmarshal(readEvent(t, alice, models.EventGetOnlineUserIDs).Payload, &ids))
	assert.Equal(t, []int64{1}, ids)

	online, err := env.presence.GetOnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, online)
	assert.Equal(t, 1, env.hub.Count())
}
