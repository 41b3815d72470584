package actuator

import (
	"context"
	"fmt"

	redis_ipc "github.com/rescoot/redis-ipc"
)

// RedisCaller pushes the action onto the lock service's request list, the
// same way host services command each other.
type RedisCaller struct {
	client *redis_ipc.Client
	list   string
}

func NewRedisCaller(client *redis_ipc.Client, service, verb string) *RedisCaller {
	return &RedisCaller{
		client: client,
		list:   fmt.Sprintf("%s:%s", service, verb),
	}
}

func (c *RedisCaller) Call(ctx context.Context, action Action) error {
	if err := ctx.Err(); err != nil {
		return callOutError(c.list, action, err)
	}
	if _, err := c.client.LPush(c.list, string(action)); err != nil {
		return callOutError(c.list, action, err)
	}
	return nil
}
