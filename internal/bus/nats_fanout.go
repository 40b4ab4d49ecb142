package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/prudhvinik1/signalhub/internal/models"
)

// SubjectDeliveries carries every hub delivery between instances.
const SubjectDeliveries = "signalhub.deliveries"

var ErrNotStarted = errors.New("nats fanout not started")

// LocalDeliverer pushes a delivery to this instance's own connections.
type LocalDeliverer interface {
	Deliver(ctx context.Context, d models.Delivery) error
}

// NATSFanout publishes deliveries on NATS. Every instance, the publisher
// included, subscribes and hands what it receives to its local fan-out, so a
// user connected to any instance gets the event.
type NATSFanout struct {
	nc      *nats.Conn
	local   LocalDeliverer
	subject string
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSFanout(nc *nats.Conn, local LocalDeliverer, logger *slog.Logger) *NATSFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSFanout{
		nc:      nc,
		local:   local,
		subject: SubjectDeliveries,
		logger:  logger,
	}
}

// Start subscribes to the delivery subject.
func (f *NATSFanout) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub != nil {
		return nil
	}

	sub, err := f.nc.Subscribe(f.subject, f.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", f.subject, err)
	}
	f.sub = sub

	f.logger.Info("NATS fanout started", "subject", f.subject)
	return nil
}

func (f *NATSFanout) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sub == nil {
		return nil
	}
	err := f.sub.Unsubscribe()
	f.sub = nil
	return err
}

// Deliver publishes d. If the publish fails the delivery still reaches this
// instance's connections and the publish error is returned.
func (f *NATSFanout) Deliver(ctx context.Context, d models.Delivery) error {
	f.mu.Lock()
	started := f.sub != nil
	f.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	if err := f.nc.Publish(f.subject, data); err != nil {
		f.logger.Warn("Failed to publish delivery, delivering locally",
			"event", d.Event,
			"username", d.Username,
			"error", err)
		return errors.Join(fmt.Errorf("failed to publish delivery: %w", err), f.local.Deliver(ctx, d))
	}
	return nil
}

func (f *NATSFanout) handle(msg *nats.Msg) {
	var d models.Delivery
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		f.logger.Error("Failed to unmarshal delivery", "subject", msg.Subject, "error", err)
		return
	}
	if d.Event == "" {
		f.logger.Warn("Dropping delivery without event", "subject", msg.Subject)
		return
	}

	if err := f.local.Deliver(context.Background(), d); err != nil {
		f.logger.Debug("Local delivery incomplete", "event", d.Event, "error", err)
	}
}
