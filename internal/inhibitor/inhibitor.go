// Package inhibitor holds a suspend inhibitor on the host power manager
// while a vehicle is plugged in.
package inhibitor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/notify"
)

// The power manager acknowledges each connection with one byte and keeps
// a blocking inhibitor for as long as the connection stays open.
const ackTimeout = 2 * time.Second

// Client follows the session: plugged in holds the inhibitor, unplugged
// releases it.
type Client struct {
	socketPath string
	logger     *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(socketPath string, logger *log.Logger) *Client {
	return &Client{
		socketPath: socketPath,
		logger:     logger,
	}
}

func (c *Client) ID() string {
	return "inhibitor:" + c.socketPath
}

func (c *Client) Notify(ctx context.Context, n notify.Notification) error {
	if n.Status.Plugged {
		return c.Acquire(ctx)
	}
	return c.Release()
}

// Acquire takes the inhibitor unless it is already held.
func (c *Client) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to inhibitor socket %s: %w", c.socketPath, err)
	}

	deadline := time.Now().Add(ackTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		conn.Close()
		return fmt.Errorf("no acknowledgment from inhibitor socket %s: %w", c.socketPath, err)
	}
	conn.SetReadDeadline(time.Time{})

	c.conn = conn
	c.logger.Infof("Suspend inhibitor acquired on %s", c.socketPath)
	return nil
}

// Release drops the inhibitor if held.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.logger.Infof("Suspend inhibitor released on %s", c.socketPath)
	return err
}

func (c *Client) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Close() error {
	return c.Release()
}
