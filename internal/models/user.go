package models

import (
	"time"
)

type User struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
