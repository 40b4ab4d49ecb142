package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/signalhub/internal/services"
)

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSendBufferFull     = errors.New("send buffer full")
)

// Client is one hub WebSocket connection.
//
// send is never closed; done signals the pumps to stop so concurrent pushes
// cannot panic on a closed channel.
type Client struct {
	id            string
	identity      services.Identity
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	establishedAt time.Time
}

func newClient(id string, identity services.Identity, conn *websocket.Conn, bufferSize int) *Client {
	return &Client{
		id:            id,
		identity:      identity,
		conn:          conn,
		send:          make(chan []byte, bufferSize),
		done:          make(chan struct{}),
		establishedAt: time.Now(),
	}
}

func (c *Client) caller() services.Caller {
	return services.Caller{
		Username:     c.identity.Username,
		UserID:       c.identity.UserID,
		ConnectionID: c.id,
	}
}

func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the client's pumps. It is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
