package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"collabsync/pkg/logger"
	"collabsync/pkg/models"
)

// ClientConfig configures the websocket push-channel client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/v1/realtime.
	URL           string
	Subscriptions []Subscription

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Client consumes push events over a websocket, reconnecting with
// exponential backoff and jitter when the transport drops. Frames are
// delivered in the order the transport yields them; no reordering.
type Client struct {
	cfg    ClientConfig
	events chan []byte

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// Dial connects and starts the read loop. Raw frames arrive on Frames();
// they decode as models.Event.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg.defaults()
	c := &Client{cfg: cfg, events: make(chan []byte, 256)}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(runCtx)
	return c, nil
}

// Frames returns the raw event frames. Closed when the client shuts down
// for good.
func (c *Client) Frames() <-chan []byte { return c.events }

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	for _, sub := range c.cfg.Subscriptions {
		q.Add("subscribe", sub.Table+":"+sub.Filter)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	attempts := 0
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err == nil {
			attempts = 0
			select {
			case c.events <- data:
			case <-ctx.Done():
				return
			}
			continue
		}

		if ctx.Err() != nil || !c.cfg.AutoReconnect {
			return
		}
		attempts++
		if attempts > c.cfg.MaxReconnectAttempts {
			logger.Error("realtime_reconnect_exhausted", "attempts", attempts-1)
			return
		}
		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempts)
		logger.Warn("realtime_reconnecting", "attempt", attempts, "delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		next, derr := c.connect(ctx)
		if derr != nil {
			logger.Warn("realtime_reconnect_failed", "attempt", attempts, "error", derr)
			continue
		}
		c.mu.Lock()
		c.conn = next
		c.mu.Unlock()
	}
}

// backoffDelay is exponential with full jitter, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	return time.Duration(rand.Float64() * d)
}

// EncodeEvent marshals an event into the wire frame sent to websocket
// subscribers.
func EncodeEvent(ev models.Event) ([]byte, error) {
	return json.Marshal(ev)
}
