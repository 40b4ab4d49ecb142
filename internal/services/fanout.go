package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/prudhvinik1/signalhub/internal/registry"
)

// Pusher is the transport's push capability for a single connection.
type Pusher interface {
	PushToConnection(connectionID, event string, payload any) error
}

// Fanout delivers an event to every connection of a username, or to every
// connection when the delivery has no username.
type Fanout interface {
	Deliver(ctx context.Context, d models.Delivery) error
}

// LocalFanout delivers to the connections registered on this instance.
type LocalFanout struct {
	registry *registry.ConnectionRegistry
	pusher   Pusher
	logger   *slog.Logger
}

func NewLocalFanout(reg *registry.ConnectionRegistry, pusher Pusher, logger *slog.Logger) *LocalFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalFanout{registry: reg, pusher: pusher, logger: logger}
}

func (f *LocalFanout) Deliver(ctx context.Context, d models.Delivery) error {
	usernames := []string{d.Username}
	if d.Username == "" {
		usernames = f.registry.Usernames()
	}

	var errs []error
	for _, username := range usernames {
		for _, connID := range f.registry.GetConnections(username) {
			if connID == d.Except {
				continue
			}
			if err := f.pusher.PushToConnection(connID, d.Event, d.Payload); err != nil {
				f.logger.Warn("Failed to push event",
					"event", d.Event,
					"username", username,
					"conn_id", connID,
					"error", err)
				errs = append(errs, fmt.Errorf("push %s to %s: %w", d.Event, connID, err))
			}
		}
	}
	return errors.Join(errs...)
}
