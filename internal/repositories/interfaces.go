package repositories

import (
	"context"
	"time"

	"github.com/prudhvinik1/signalhub/internal/models"
)

type PresenceStore interface {
	AddConnection(ctx context.Context, conn *models.Connection) (added bool, setSize int64, err error)
	RemoveConnection(ctx context.Context, username, connectionID string) (removed bool, remaining int64, err error)
	GetConnectionIDs(ctx context.Context, username string) ([]string, error)
	GetConnection(ctx context.Context, connectionID string) (*models.Connection, error)
	GetOnlineUsers(ctx context.Context) ([]models.OnlineUser, error)
	GetAllConnections(ctx context.Context) ([]models.Connection, error)
	GetInstanceConnections(ctx context.Context, instanceID string) ([]models.Connection, error)
	SetHeartbeat(ctx context.Context, heartbeat models.InstanceHeartbeat) error
	GetHeartbeat(ctx context.Context, instanceID string) (*models.InstanceHeartbeat, error)
	ListHeartbeats(ctx context.Context) ([]models.InstanceHeartbeat, error)
	ListConnectionInstances(ctx context.Context) ([]string, error)
	DeleteInstance(ctx context.Context, instanceID string) error
	DeleteHeartbeat(ctx context.Context, instanceID string) error
}

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error
}
