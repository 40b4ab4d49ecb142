package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSOptions struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATSConn connects to the delivery bus shared by hub instances.
func NewNATSConn(opts NATSOptions, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to nats: %w", err)
	}

	logger.Info("NATS connection established", "url", nc.ConnectedUrl())

	return nc, nil
}
