package models

import (
	"time"
)

// Connection is one live transport link owned by a user on a server instance.
type Connection struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	UserID        int64     `json:"user_id"`
	InstanceID    string    `json:"instance_id"`
	EstablishedAt time.Time `json:"established_at"`
}

type OnlineUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type InstanceHeartbeat struct {
	InstanceID string    `json:"instance_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// IsStale reports whether the heartbeat is older than threshold at now.
func (h InstanceHeartbeat) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(h.LastSeenAt) > threshold
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
