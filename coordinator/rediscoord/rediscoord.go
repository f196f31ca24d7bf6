// Package rediscoord implements coordinator.Client against Redis. Each call
// appends one JSON envelope to a stream that an out-of-process coordinator
// consumes. The envelope layout is an adapter convention, not a protocol this
// module owns.
package rediscoord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/hostside/dispatchdir/coordinator"
)

// Config for the Redis-backed coordinator client. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: COORD_REDIS_ADDR
	RedisAddr string `env:"COORD_REDIS_ADDR,default=localhost:6379"`
	// RedisPassword, empty for none. ENV: COORD_REDIS_PASSWORD
	RedisPassword string `env:"COORD_REDIS_PASSWORD,default="`
	// RedisDB index. ENV: COORD_REDIS_DB
	RedisDB int `env:"COORD_REDIS_DB,default=0"`
	// StreamKey the coordinator consumes from. ENV: COORD_STREAM_KEY
	StreamKey string `env:"COORD_STREAM_KEY,default=dispatchdir:coord"`
}

type envelope struct {
	Op     string         `json:"op"`
	Ref    string         `json:"ref"`
	Code   int            `json:"code,omitempty"`
	Data   string         `json:"data,omitempty"`
	Extras map[string]any `json:"extras,omitempty"`
	Abort  bool           `json:"abort,omitempty"`
	Flags  int            `json:"flags,omitempty"`
	At     time.Time      `json:"at"`
}

const (
	opFinish       = "finish"
	opUnregister   = "unregister-receiver"
	opUnbindSvc    = "unbind-service"
	maxStreamEntry = 4096
)

// Client publishes coordinator envelopes to a Redis stream.
type Client struct {
	client    *redis.Client
	streamKey string
}

var _ coordinator.Client = (*Client)(nil)

// New connects and pings before returning.
func New(cfg Config) (*Client, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	key := cfg.StreamKey
	if key == "" {
		key = "dispatchdir:coord"
	}
	return &Client{client: cl, streamKey: key}, nil
}

// NewFromEnv builds a Client using envdecode to populate Config.
func NewFromEnv() (*Client, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (c *Client) Close() error { return c.client.Close() }

func (c *Client) publish(ctx context.Context, env envelope) error {
	env.At = time.Now().UTC()
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Op, err)
	}
	err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamKey,
		MaxLen: maxStreamEntry,
		Approx: true,
		Values: map[string]interface{}{"d": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s envelope: %w", env.Op, err)
	}
	return nil
}

func (c *Client) UnregisterReceiver(ctx context.Context, receiverID string) error {
	return c.publish(ctx, envelope{Op: opUnregister, Ref: receiverID})
}

func (c *Client) UnbindService(ctx context.Context, bindingID string) error {
	return c.publish(ctx, envelope{Op: opUnbindSvc, Ref: bindingID})
}

func (c *Client) FinishDelivery(ctx context.Context, receiverID string, res coordinator.FinishResult) error {
	return c.publish(ctx, envelope{
		Op:     opFinish,
		Ref:    receiverID,
		Code:   res.Code,
		Data:   res.Data,
		Extras: res.Extras,
		Abort:  res.Abort,
		Flags:  res.Flags,
	})
}
