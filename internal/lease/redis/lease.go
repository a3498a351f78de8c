// Package redis implements a run lease on Redis, for deployments where several
// monitor replicas share one schedule.
package redis

import (
	"context"
	"fmt"
	"time"

	fiberredis "github.com/gofiber/storage/redis/v3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const keyPrefix = "pickup-monitor:lease:"

// acquireScript sets the key when it is absent or already owned by the caller.
var acquireScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// releaseScript deletes the key only for its owner.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease implements monitor.Lease.
type Lease struct {
	client  goredis.Scripter
	storage *fiberredis.Storage
}

var _ monitor.Lease = (*Lease)(nil)

// Open connects to the Redis instance at url. The underlying storage panics
// when the first ping fails; that panic is returned as an error.
func Open(url string) (lease *Lease, err error) {
	if url == "" {
		return nil, fmt.Errorf("redis.url is required")
	}
	defer func() {
		if r := recover(); r != nil {
			lease = nil
			err = fmt.Errorf("connect redis: %v", r)
		}
	}()
	storage := fiberredis.New(fiberredis.Config{URL: url})
	return &Lease{client: storage.Conn(), storage: storage}, nil
}

// New wraps an existing script-capable client.
func New(client goredis.Scripter) *Lease {
	return &Lease{client: client}
}

// Acquire reports whether holder now owns name for ttl.
func (l *Lease) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	const op = "redis.Acquire"
	if name == "" || holder == "" || ttl <= 0 {
		return false, monitor.Errorf(monitor.ErrInvalidInput, op, "name, holder and positive ttl are required")
	}
	n, err := acquireScript.Run(ctx, l.client, []string{keyPrefix + name}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, monitor.Wrap(monitor.ErrStore, op, err)
	}
	return n == 1, nil
}

// Release drops name if holder owns it.
func (l *Lease) Release(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + name}, holder).Err(); err != nil {
		return monitor.Wrap(monitor.ErrStore, "redis.Release", err)
	}
	return nil
}

// Close closes the connection when Open created it.
func (l *Lease) Close() error {
	if l == nil || l.storage == nil {
		return nil
	}
	return l.storage.Close()
}
