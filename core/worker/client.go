package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/codewandler/shardmaster-go/core/rpc"
	"github.com/codewandler/shardmaster-go/internal/auth"
)

// HandlerFunc handles one call or notification from the master.
type HandlerFunc func(ctx context.Context, m *rpc.Message) (any, error)

type Options struct {
	Log *slog.Logger

	// Addr is the master's private listen address. Required.
	Addr string
	// Shard is this worker's index. ShardCount is informational, as
	// passed on the command line by the supervisor.
	Shard      int
	ShardCount int
	// Secret keys the handshake credential. Required.
	Secret string

	// OnConnect is invoked when the master issues the connect call,
	// after the requested wait has elapsed. The call is acknowledged
	// with the returned error (nil acks success).
	OnConnect func(ctx context.Context) error
	// OnDie is invoked when the master tells the worker to terminate,
	// after the die call has been acknowledged. Run returns afterwards.
	OnDie func()
	// DisableHeartbeat turns off the ping loop that setup would
	// otherwise start. Mostly useful in tests.
	DisableHeartbeat bool
}

// Client is one worker's connection to the master.
type Client struct {
	log  *slog.Logger
	opts Options
	ep   *rpc.Endpoint

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
	dying         bool
}

// Dial connects to the master and sends the handshake. The returned
// client does not process anything until Run is called.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("worker: Options.Addr is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("worker: Options.Secret is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.Int("shard", opts.Shard))

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("worker: dial master: %w", err)
	}

	c := &Client{
		log:           log,
		opts:          opts,
		ep:            rpc.NewEndpoint(conn, rpc.Options{Log: log}),
		handlers:      make(map[string]HandlerFunc),
		heartbeatStop: make(chan struct{}),
	}
	if err := c.ep.SendHandshake(opts.Shard, auth.Credential(opts.Secret, opts.Shard)); err != nil {
		_ = c.ep.Close()
		return nil, err
	}
	return c, nil
}

// Handle registers a handler for a master-issued method. Lifecycle
// methods (setup, connect, die) are built in and cannot be overridden.
func (c *Client) Handle(method string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

// Call issues a call to the master and waits for the response.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	return c.ep.Call(ctx, method, params)
}

// TryRemoveToken asks the master to reserve one token for a capability
// via its removeXxxToken method. False means the limit is exhausted.
func (c *Client) TryRemoveToken(ctx context.Context, method string) (bool, error) {
	raw, err := c.ep.Call(ctx, method, nil)
	if err != nil {
		return false, err
	}
	var granted bool
	if err := json.Unmarshal(raw, &granted); err != nil {
		return false, fmt.Errorf("worker: decode token grant: %w", err)
	}
	return granted, nil
}

// Ping performs one health round-trip.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ep.Call(ctx, "ping", nil)
	return err
}

// Close tears the connection down without waiting for die.
func (c *Client) Close() error {
	c.stopHeartbeat()
	return c.ep.Close()
}

// Run serves the master's calls until the connection is lost, ctx is
// canceled, or the master tells the worker to die (which returns nil).
func (c *Client) Run(ctx context.Context) error {
	err := c.ep.Serve(ctx, c.dispatch)
	c.stopHeartbeat()

	c.mu.Lock()
	dying := c.dying
	c.mu.Unlock()
	if dying {
		return nil
	}
	return err
}

func (c *Client) dispatch(ctx context.Context, m *rpc.Message) (any, error) {
	switch m.Method {
	case "setup":
		interval, ok := m.ParamInt("heartbeatInterval")
		if ok && !c.opts.DisableHeartbeat {
			c.startHeartbeat(ctx, time.Duration(interval)*time.Millisecond)
		}
		return true, nil

	case "connect":
		// The wait must not stall the read loop, so the ack is deferred.
		waitMs, _ := m.ParamInt("wait")
		id := m.ID
		go func() {
			if waitMs > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(waitMs) * time.Millisecond):
				}
			}
			var err error
			if c.opts.OnConnect != nil {
				err = c.opts.OnConnect(ctx)
			}
			if id == nil {
				return
			}
			if err != nil {
				_ = c.ep.RespondError(*id, err.Error())
			} else {
				_ = c.ep.Respond(*id, true)
			}
		}()
		return rpc.Deferred{}, nil

	case "die":
		c.mu.Lock()
		c.dying = true
		c.mu.Unlock()
		c.log.Info("master told us to die")
		if m.ID != nil {
			_ = c.ep.Respond(*m.ID, true)
		}
		if c.opts.OnDie != nil {
			c.opts.OnDie()
		}
		_ = c.ep.Close()
		return rpc.Deferred{}, nil
	}

	c.mu.Lock()
	h, ok := c.handlers[m.Method]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpc.ErrUnknownMethod, m.Method)
	}
	return h(ctx, m)
}

func (c *Client) startHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.heartbeatStop:
				return
			case <-t.C:
				if err := c.Ping(ctx); err != nil {
					c.log.Warn("heartbeat failed", slog.Any("error", err))
					return
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.heartbeatOnce.Do(func() { close(c.heartbeatStop) })
}
