package actuator

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/librescoot/evse-service/internal/log"
)

// DBusCaller invokes <service>.<verb>({"action": a}) on the system bus. The
// object path is derived from the service name.
type DBusCaller struct {
	conn    *dbus.Conn
	service string
	method  string
	path    dbus.ObjectPath
	logger  *log.Logger
}

func NewDBusCaller(service, verb string, logger *log.Logger) (*DBusCaller, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	return &DBusCaller{
		conn:    conn,
		service: service,
		method:  service + "." + verb,
		path:    dbus.ObjectPath("/" + strings.ReplaceAll(service, ".", "/")),
		logger:  logger,
	}, nil
}

func (c *DBusCaller) Call(ctx context.Context, action Action) error {
	obj := c.conn.Object(c.service, c.path)
	call := obj.CallWithContext(ctx, c.method, 0, map[string]string{"action": string(action)})
	if call.Err != nil {
		return callOutError(c.method, action, call.Err)
	}
	c.logger.Debugf("Called %s action=%s", c.method, action)
	return nil
}

func (c *DBusCaller) Close() error {
	return c.conn.Close()
}
