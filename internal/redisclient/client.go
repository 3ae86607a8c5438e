package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"course-checkout/internal/service"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	extendScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		extendScript:  redis.NewScript(extendLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func sessionKey(orderID string) string {
	return fmt.Sprintf("checkout:session:%s", orderID)
}

// GetSession returns the cached checkout session of an order, nil on a miss
func (c *Client) GetSession(ctx context.Context, orderID string) (*service.CachedSession, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached session: %w", err)
	}

	var session service.CachedSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &session, nil
}

// SetSession caches the checkout session of an order for ttl
func (c *Client) SetSession(ctx context.Context, orderID string, session service.CachedSession, ttl time.Duration) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sessionKey(orderID), raw, ttl).Err()
}

// Lock is a held distributed lock
type Lock struct {
	Key   string
	Token string
}

// AcquireLock tries once to take lock:<name>. It returns nil when another
// holder owns it.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{
		Key:   fmt.Sprintf("lock:%s", name),
		Token: uuid.New().String(),
	}

	ok, err := c.rdb.SetNX(ctx, lock.Key, lock.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// ExtendLock pushes the expiry of a lock we still hold. It reports false
// when the lock has expired or been taken over.
func (c *Client) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	result, err := c.extendScript.Run(ctx, c.rdb, []string{lock.Key}, lock.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock script failed: %w", err)
	}
	return result == 1, nil
}

// ReleaseLock releases a lock only if it still holds our token
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lock.Key}, lock.Token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
