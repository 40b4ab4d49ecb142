package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/prudhvinik1/signalhub/internal/repositories"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDeadInstanceThreshold = 3 * DefaultHeartbeatInterval
	DefaultSweepConcurrency      = 16
)

// PingFunc reports whether connectionID answered a liveness probe before ctx ended.
type PingFunc func(ctx context.Context, connectionID string) bool

// OfflineFunc is called for every user a sweep takes offline.
type OfflineFunc func(ctx context.Context, user models.OnlineUser)

type PresenceOptions struct {
	InstanceID            string
	DeadInstanceThreshold time.Duration
	SweepConcurrency      int
}

// PresenceService tracks which users have live connections across every
// instance sharing the presence store.
type PresenceService struct {
	store                 repositories.PresenceStore
	instanceID            string
	deadInstanceThreshold time.Duration
	sweepConcurrency      int
	logger                *slog.Logger
	now                   func() time.Time

	pendingMu sync.Mutex
	pending   map[string]chan struct{} // connection id -> closed on KeepAliveResponse

	offlineMu sync.RWMutex
	onOffline OfflineFunc
}

func NewPresenceService(store repositories.PresenceStore, opts PresenceOptions, logger *slog.Logger) *PresenceService {
	if opts.DeadInstanceThreshold <= 0 {
		opts.DeadInstanceThreshold = DefaultDeadInstanceThreshold
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = DefaultSweepConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PresenceService{
		store:                 store,
		instanceID:            opts.InstanceID,
		deadInstanceThreshold: opts.DeadInstanceThreshold,
		sweepConcurrency:      opts.SweepConcurrency,
		logger:                logger,
		now:                   time.Now,
		pending:               make(map[string]chan struct{}),
	}
}

func (s *PresenceService) InstanceID() string {
	return s.instanceID
}

// OnUserOffline sets the hook used when a sweep removes a user's last connection.
func (s *PresenceService) OnUserOffline(fn OfflineFunc) {
	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()
	s.onOffline = fn
}

// RegisterConnection adds connectionID to username's set. It returns true only
// when this connection took the user's set from empty to one.
func (s *PresenceService) RegisterConnection(ctx context.Context, username, connectionID string, userID int64) (bool, error) {
	if username == "" || userID <= 0 {
		return false, ErrUnauthenticatedConnection
	}
	if connectionID == "" {
		return false, ErrInvalidConnectionID
	}

	added, size, err := s.store.AddConnection(ctx, &models.Connection{
		ID:            connectionID,
		Username:      username,
		UserID:        userID,
		InstanceID:    s.instanceID,
		EstablishedAt: s.now(),
	})
	if err != nil {
		return false, storeError("register connection", err)
	}

	wasFirst := added && size == 1
	s.logger.Debug("Registered connection",
		"username", username,
		"user_id", userID,
		"conn_id", connectionID,
		"connections", size,
		"first", wasFirst)

	return wasFirst, nil
}

// DeregisterConnection removes connectionID. It returns true only when this
// removal emptied the user's set.
func (s *PresenceService) DeregisterConnection(ctx context.Context, username, connectionID string) (bool, error) {
	removed, remaining, err := s.store.RemoveConnection(ctx, username, connectionID)
	if err != nil {
		return false, storeError("deregister connection", err)
	}

	wasLast := removed && remaining == 0
	s.logger.Debug("Deregistered connection",
		"username", username,
		"conn_id", connectionID,
		"remaining", remaining,
		"last", wasLast)

	return wasLast, nil
}

func (s *PresenceService) GetOnlineUserIDs(ctx context.Context) ([]int64, error) {
	users, err := s.GetOnlineUsersDetailed(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	return ids, nil
}

// GetOnlineUsersDetailed returns the online users sorted by username.
func (s *PresenceService) GetOnlineUsersDetailed(ctx context.Context) ([]models.OnlineUser, error) {
	users, err := s.store.GetOnlineUsers(ctx)
	if err != nil {
		return nil, storeError("get online users", err)
	}
	return users, nil
}

func (s *PresenceService) GetConnectionsForUser(ctx context.Context, username string) ([]string, error) {
	ids, err := s.store.GetConnectionIDs(ctx, username)
	if err != nil {
		return nil, storeError("get connections", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// GetConnection returns the stored record for connectionID, or
// repositories.ErrNotFound.
func (s *PresenceService) GetConnection(ctx context.Context, connectionID string) (*models.Connection, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storeError("get connection", err)
	}
	return conn, nil
}

// IsInstanceAlive reports whether instanceID has a heartbeat within the dead
// instance threshold.
func (s *PresenceService) IsInstanceAlive(ctx context.Context, instanceID string) (bool, error) {
	hb, err := s.store.GetHeartbeat(ctx, instanceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("get heartbeat", err)
	}
	return !hb.IsStale(s.now(), s.deadInstanceThreshold), nil
}

func (s *PresenceService) UpdateInstanceHeartbeat(ctx context.Context) error {
	err := s.store.SetHeartbeat(ctx, models.InstanceHeartbeat{
		InstanceID: s.instanceID,
		LastSeenAt: s.now(),
	})
	if err != nil {
		return storeError("update heartbeat", err)
	}
	return nil
}

// UnregisterInstance deletes this instance's heartbeat without waiting for it
// to go stale.
func (s *PresenceService) UnregisterInstance(ctx context.Context) error {
	if err := s.store.DeleteHeartbeat(ctx, s.instanceID); err != nil {
		return storeError("unregister instance", err)
	}
	s.logger.Info("Instance unregistered", "instance_id", s.instanceID)
	return nil
}

// CleanupDeadConnections reaps instances whose heartbeat is older than the
// dead instance threshold, or which still own connections but have no
// heartbeat at all. Every connection tagged with a dead instance is
// deregistered. The calling instance is never reaped.
func (s *PresenceService) CleanupDeadConnections(ctx context.Context) (int, error) {
	heartbeats, err := s.store.ListHeartbeats(ctx)
	if err != nil {
		return 0, storeError("list heartbeats", err)
	}
	owners, err := s.store.ListConnectionInstances(ctx)
	if err != nil {
		return 0, storeError("list connection instances", err)
	}

	now := s.now()
	alive := make(map[string]bool, len(heartbeats))
	var dead []string
	for _, hb := range heartbeats {
		if hb.InstanceID == s.instanceID {
			continue
		}
		if hb.IsStale(now, s.deadInstanceThreshold) {
			dead = append(dead, hb.InstanceID)
			continue
		}
		alive[hb.InstanceID] = true
	}
	for _, id := range owners {
		if id == s.instanceID || alive[id] || contains(dead, id) {
			continue
		}
		dead = append(dead, id)
	}

	removed := 0
	var errs []error
	for _, instanceID := range dead {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		n, err := s.reapInstance(ctx, instanceID)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(dead) > 0 {
		s.logger.Info("Dead instance cleanup completed",
			"dead_instances", len(dead),
			"removed", removed)
	}
	return removed, errors.Join(errs...)
}

func (s *PresenceService) reapInstance(ctx context.Context, instanceID string) (int, error) {
	conns, err := s.store.GetInstanceConnections(ctx, instanceID)
	if err != nil {
		return 0, storeError("get instance connections", err)
	}

	removed := 0
	for _, c := range conns {
		ok, wasLast, err := s.evict(ctx, c.Username, c.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
		if wasLast {
			s.notifyOffline(ctx, models.OnlineUser{ID: c.UserID, Username: c.Username})
		}
	}

	if err := s.store.DeleteInstance(ctx, instanceID); err != nil {
		return removed, storeError("delete instance", err)
	}

	s.logger.Info("Reaped dead instance",
		"instance_id", instanceID,
		"connections", len(conns),
		"removed", removed)
	return removed, nil
}

// ValidateConnections pings every connection believed online, at most
// sweepConcurrency at a time, and deregisters each one whose ping fails or
// does not finish within timeout. It returns only after every ping it
// started has finished or timed out.
func (s *PresenceService) ValidateConnections(ctx context.Context, pingFn PingFunc, timeout time.Duration) (int, error) {
	conns, err := s.store.GetAllConnections(ctx)
	if err != nil {
		return 0, storeError("list connections", err)
	}
	if len(conns) == 0 {
		return 0, nil
	}

	users, err := s.store.GetOnlineUsers(ctx)
	if err != nil {
		return 0, storeError("get online users", err)
	}
	ids := make(map[string]int64, len(users))
	for _, u := range users {
		ids[u.Username] = u.ID
	}

	var (
		removed atomic.Int64
		errMu   sync.Mutex
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(s.sweepConcurrency)

	for _, c := range conns {
		if ctx.Err() != nil {
			break
		}
		c := c

		g.Go(func() error {
			if pingWithTimeout(ctx, pingFn, c.ID, timeout) {
				return nil
			}
			// a cancelled sweep is not evidence the connection is dead
			if ctx.Err() != nil {
				return nil
			}

			ok, wasLast, err := s.evict(ctx, c.Username, c.ID)
			if err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
				return nil
			}
			if ok {
				removed.Add(1)
			}
			if wasLast {
				s.notifyOffline(ctx, models.OnlineUser{ID: ids[c.Username], Username: c.Username})
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Connection validation completed",
		"checked", len(conns),
		"removed", removed.Load())
	return int(removed.Load()), errors.Join(errs...)
}

// AwaitKeepAlive registers a pending keep-alive for connectionID, calls send to
// push the probe, and waits for HandleKeepAliveResponse or ctx to end.
func (s *PresenceService) AwaitKeepAlive(ctx context.Context, connectionID string, send func() error) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[connectionID]
	if !ok {
		ch = make(chan struct{})
		s.pending[connectionID] = ch
	}
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		if s.pending[connectionID] == ch {
			delete(s.pending, connectionID)
		}
		s.pendingMu.Unlock()
	}()

	if err := send(); err != nil {
		s.logger.Debug("Keep-alive push failed", "conn_id", connectionID, "error", err)
		return false
	}

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// HandleKeepAliveResponse marks a pending keep-alive for connectionID as
// answered. It returns false when no probe was pending.
func (s *PresenceService) HandleKeepAliveResponse(connectionID string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	ch, ok := s.pending[connectionID]
	if !ok {
		return false
	}
	close(ch)
	delete(s.pending, connectionID)
	return true
}

func (s *PresenceService) evict(ctx context.Context, username, connectionID string) (removed, wasLast bool, err error) {
	removed, remaining, err := s.store.RemoveConnection(ctx, username, connectionID)
	if err != nil {
		return false, false, storeError("evict connection", err)
	}
	if removed {
		s.logger.Debug("Evicted connection",
			"username", username,
			"conn_id", connectionID,
			"remaining", remaining)
	}
	return removed, removed && remaining == 0, nil
}

func (s *PresenceService) notifyOffline(ctx context.Context, user models.OnlineUser) {
	s.offlineMu.RLock()
	fn := s.onOffline
	s.offlineMu.RUnlock()

	if fn != nil {
		fn(ctx, user)
	}
}

// pingWithTimeout bounds pingFn by timeout even if pingFn ignores its context.
func pingWithTimeout(ctx context.Context, pingFn PingFunc, connectionID string, timeout time.Duration) bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- pingFn(pctx, connectionID)
	}()

	select {
	case ok := <-result:
		return ok
	case <-pctx.Done():
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
