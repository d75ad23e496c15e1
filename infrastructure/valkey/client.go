package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const defaultDialTimeout = 5 * time.Second

// Config describes one Valkey deployment shared by every engine instance.
type Config struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// Client carries the two things the engine shares across instances:
// publish receipts and the scheduler wake channel.
type Client struct {
	inner  valkeylib.Client
	prefix string
}

// NewClient connects and pings once. Callers own Close.
func NewClient(cfg Config) (*Client, error) {
	inner, err := valkeylib.NewClient(valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect %s: %w", cfg.Address, err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := &Client{inner: inner, prefix: normalizePrefix(cfg.KeyPrefix)}
	if err := c.Ping(ctx); err != nil {
		inner.Close()
		return nil, fmt.Errorf("valkey ping %s: %w", cfg.Address, err)
	}
	return c, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts under the configured prefix, e.g. Key("receipt", "abc") is
// "azpub:receipt:abc".
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.prefix, ":")
	}
	return c.prefix + strings.Join(parts, ":")
}

func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// SetNX stores value under key only when the key is absent and reports whether
// this call wrote it.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	err := c.inner.Do(ctx, c.inner.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()).Error()
	switch {
	case err == nil:
		return true, nil
	case valkeylib.IsValkeyNil(err):
		return false, nil
	default:
		return false, err
	}
}

// Get returns the value under key. A missing key is not an error.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.inner.Do(ctx, c.inner.B().Get().Key(key).Build()).ToString()
	switch {
	case err == nil:
		return val, true, nil
	case valkeylib.IsValkeyNil(err):
		return "", false, nil
	default:
		return "", false, err
	}
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.inner.Do(ctx, c.inner.B().Publish().Channel(channel).Message(message).Build()).Error()
}

// Subscribe delivers every message on channel to fn until ctx is done.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(message string)) error {
	return c.inner.Receive(ctx, c.inner.B().Subscribe().Channel(channel).Build(), func(msg valkeylib.PubSubMessage) {
		fn(msg.Message)
	})
}
