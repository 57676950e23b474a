package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/codewandler/shardmaster-go/core/ratelimit"
	"github.com/codewandler/shardmaster-go/core/rpc"
)

// HandlerFunc handles one call or notification received from a shard.
// The returned value becomes the response result; rpc.Deferred defers
// the response to the handler itself.
type HandlerFunc func(ctx context.Context, from *Handle, m *rpc.Message) (any, error)

// dispatchFunc is the internal handler shape: built-ins that answer out
// of band (stats aggregation) additionally receive the endpoint the
// message arrived on, which is the one the response must go to even if
// the handle reconnects mid-flight.
type dispatchFunc func(ctx context.Context, from *Handle, ep *rpc.Endpoint, m *rpc.Message) (any, error)

func adaptHandler(h HandlerFunc) dispatchFunc {
	return func(ctx context.Context, from *Handle, _ *rpc.Endpoint, m *rpc.Message) (any, error) {
		return h(ctx, from, m)
	}
}

type Options struct {
	Log *slog.Logger

	// ShardCount is the fixed number of worker shards. Required.
	ShardCount int
	// ListenAddr is the private TCP endpoint workers dial back to.
	ListenAddr string
	// Secret keys the handshake credential. Required.
	Secret string

	// WorkerCommand is the argv used to launch worker subprocesses; the
	// shard index and total count are appended as the final two
	// arguments. Empty disables supervision (workers are launched
	// externally and only dial in).
	WorkerCommand []string

	// RestartDelay separates an unexpected worker exit from its
	// relaunch. Fixed delay, unconditional retry.
	RestartDelay time.Duration
	// HeartbeatInterval is pushed to every shard in the setup
	// notification after authentication.
	HeartbeatInterval time.Duration
	// ConnectStagger spaces out the initial connect of consecutive
	// shard indexes; reconnects are not staggered.
	ConnectStagger time.Duration

	// Limits configures one token bucket per rate-limited capability.
	// Defaults to DefaultLimits().
	Limits map[string]ratelimit.Config

	Metrics MasterMetrics
	Events  EventSink
}

// DefaultLimits returns the stock capability buckets.
func DefaultLimits() map[string]ratelimit.Config {
	return map[string]ratelimit.Config{
		"cleverbot": {Capacity: 30, Interval: time.Minute, FireImmediately: true},
		"weather":   {Capacity: 60, Interval: time.Minute, FireImmediately: true},
		"wolfram":   {Capacity: 65, Interval: time.Hour, FireImmediately: true},
	}
}

// Master is the top-level coordinator: it owns the shard handle table,
// the dispatch table for worker calls, the capability rate limiters and
// the single aggregation session. All shared state is guarded by one
// lock; endpoint I/O happens outside it.
type Master struct {
	log        *slog.Logger
	shardCount int
	listenAddr string
	secret     string

	workerCommand     []string
	restartDelay      time.Duration
	heartbeatInterval time.Duration
	connectStagger    time.Duration

	metrics  MasterMetrics
	events   EventSink
	limiters map[string]*ratelimit.Bucket
	handlers map[string]dispatchFunc

	started time.Time
	ln      net.Listener
	sup     *Supervisor

	mu           sync.Mutex
	handles      map[int]*Handle
	session      *aggSession
	shuttingDown bool
	terminated   int
	expectTerm   int

	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) (*Master, error) {
	if opts.ShardCount <= 0 {
		return nil, fmt.Errorf("master: Options.ShardCount is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("master: Options.Secret is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:4021"
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 45 * time.Second
	}
	if opts.ConnectStagger == 0 {
		opts.ConnectStagger = 5 * time.Second
	}
	if opts.Limits == nil {
		opts.Limits = DefaultLimits()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMasterMetrics()
	}
	if opts.Events == nil {
		opts.Events = NopEventSink()
	}

	m := &Master{
		log:               log,
		shardCount:        opts.ShardCount,
		listenAddr:        opts.ListenAddr,
		secret:            opts.Secret,
		workerCommand:     opts.WorkerCommand,
		restartDelay:      opts.RestartDelay,
		heartbeatInterval: opts.HeartbeatInterval,
		connectStagger:    opts.ConnectStagger,
		metrics:           opts.Metrics,
		events:            opts.Events,
		limiters:          make(map[string]*ratelimit.Bucket),
		handlers:          make(map[string]dispatchFunc),
		handles:           make(map[int]*Handle),
		done:              make(chan struct{}),
	}
	for name, cfg := range opts.Limits {
		m.limiters[name] = ratelimit.New(cfg)
	}

	m.handlers["ping"] = func(context.Context, *Handle, *rpc.Endpoint, *rpc.Message) (any, error) {
		return true, nil
	}
	m.handlers["getStats"] = m.handleGetStats
	for name := range m.limiters {
		m.handlers[methodForCapability(name)] = m.tokenHandler(name)
	}

	return m, nil
}

// methodForCapability maps a capability name to its wire method, e.g.
// "weather" -> "removeWeatherToken".
func methodForCapability(name string) string {
	if name == "" {
		return ""
	}
	return "remove" + string(name[0]-'a'+'A') + name[1:] + "Token"
}

func (m *Master) tokenHandler(name string) dispatchFunc {
	bucket := m.limiters[name]
	return func(context.Context, *Handle, *rpc.Endpoint, *rpc.Message) (any, error) {
		granted := bucket.TryRemove()
		m.metrics.TokenRequest(name, granted)
		return granted, nil
	}
}

// RegisterHandler adds a dispatch entry for calls received from shards.
// Call before Start; later registrations replace earlier ones.
func (m *Master) RegisterHandler(method string, h HandlerFunc) {
	m.handlers[method] = adaptHandler(h)
}

// Start binds the listener, launches the worker subprocesses and begins
// accepting connections. It does not block; wait on Done for the
// orderly-shutdown completion.
func (m *Master) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.listenAddr)
	if err != nil {
		return fmt.Errorf("master: listen %s: %w", m.listenAddr, err)
	}
	m.ln = ln
	m.started = time.Now()
	m.log.Info("master listening",
		slog.String("addr", ln.Addr().String()),
		slog.Int("shards", m.shardCount))

	if len(m.workerCommand) > 0 {
		m.sup = newSupervisor(m.log, m.workerCommand, m.shardCount)
		for i := 0; i < m.shardCount; i++ {
			m.mu.Lock()
			if m.handles[i] == nil {
				m.handles[i] = newHandle(i)
			}
			m.mu.Unlock()
			if err := m.sup.Launch(ctx, i); err != nil {
				m.Shutdown()
				return err
			}
		}
		go m.superviseLoop(ctx)
	}

	g := &gate{m: m, log: m.log.With(slog.String("component", "gate")), ln: ln}
	go func() {
		if err := g.run(ctx); err != nil && !m.isShuttingDown() {
			// Listener failure escalates to full shutdown.
			m.log.Error("gate failed, shutting down", slog.Any("error", err))
			m.Shutdown()
		}
	}()

	go func() {
		<-ctx.Done()
		m.Shutdown()
	}()

	return nil
}

// Run is Start followed by waiting for shutdown completion.
func (m *Master) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.done
	return nil
}

// Addr is the bound listen address, useful with ":0".
func (m *Master) Addr() string { return m.ln.Addr().String() }

// Done is closed once shutdown finished and every launched subprocess
// has been observed to terminate.
func (m *Master) Done() <-chan struct{} { return m.done }

// Uptime is the time since Start.
func (m *Master) Uptime() time.Duration { return time.Since(m.started) }

// TryRemoveToken reserves one token for a capability. False means the
// limit is exhausted right now; the caller decides whether to retry.
func (m *Master) TryRemoveToken(capability string) bool {
	b, ok := m.limiters[capability]
	if !ok {
		return false
	}
	granted := b.TryRemove()
	m.metrics.TokenRequest(capability, granted)
	return granted
}

// ShardState reports the lifecycle state of a shard index.
func (m *Master) ShardState(index int) HandleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[index]
	if h == nil {
		return StateUnattached
	}
	return h.state
}

// ConnectedShards counts handles with a live endpoint.
func (m *Master) ConnectedShards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Master) connectedLocked() int {
	n := 0
	for _, h := range m.handles {
		if h.ep != nil {
			n++
		}
	}
	return n
}

func (m *Master) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// CallShard invokes a named remote call on one shard and waits for its
// response.
func (m *Master) CallShard(ctx context.Context, index int, method string, params map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	h := m.handles[index]
	var ep *rpc.Endpoint
	if h != nil {
		ep = h.ep
	}
	m.mu.Unlock()
	if ep == nil {
		return nil, ErrNotConnected
	}
	defer m.metrics.CallDuration(method).ObserveDuration()
	return ep.Call(ctx, method, params)
}

// NotifyShard sends a notification to one shard.
func (m *Master) NotifyShard(index int, method string, params map[string]any) error {
	m.mu.Lock()
	h := m.handles[index]
	var ep *rpc.Endpoint
	if h != nil {
		ep = h.ep
	}
	m.mu.Unlock()
	if ep == nil {
		return ErrNotConnected
	}
	return ep.Notify(method, params)
}

// CallAll sends the same call to every connected shard and gathers the
// per-shard outcomes. Completions are independent: one slow or dead
// shard does not block the others beyond the gather itself.
func (m *Master) CallAll(ctx context.Context, method string, params map[string]any) map[int]rpc.Reply {
	m.mu.Lock()
	eps := make(map[int]*rpc.Endpoint)
	for i, h := range m.handles {
		if h.ep != nil {
			eps[i] = h.ep
		}
	}
	m.mu.Unlock()

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
		out = make(map[int]rpc.Reply, len(eps))
	)
	for i, ep := range eps {
		wg.Add(1)
		go func(i int, ep *rpc.Endpoint) {
			defer wg.Done()
			raw, err := ep.Call(ctx, method, params)
			rmu.Lock()
			out[i] = rpc.Reply{Result: raw, Err: err}
			rmu.Unlock()
		}(i, ep)
	}
	wg.Wait()
	return out
}

// NotifyAll sends the same notification to every connected shard.
func (m *Master) NotifyAll(method string, params map[string]any) {
	m.mu.Lock()
	eps := make([]*rpc.Endpoint, 0, len(m.handles))
	for _, h := range m.handles {
		if h.ep != nil {
			eps = append(eps, h.ep)
		}
	}
	m.mu.Unlock()
	for _, ep := range eps {
		if err := ep.Notify(method, params); err != nil {
			m.log.Warn("notify failed", slog.String("method", method), slog.Any("error", err))
		}
	}
}

// attach binds a freshly authenticated endpoint to the shard handle,
// creating the handle on first contact and replacing any stale endpoint
// on reconnect. It then pushes the setup notification, starts the read
// loop and issues the connect call.
func (m *Master) attach(ctx context.Context, index int, ep *rpc.Endpoint, log *slog.Logger) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	h := m.handles[index]
	if h == nil {
		h = newHandle(index)
		m.handles[index] = h
	}
	if h.state == StateDying || h.state == StateTerminated {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if old := h.ep; old != nil {
		go old.Close()
	}
	ep.AdoptCounter(&h.nextID)
	h.ep = ep
	h.state = StateAuthenticated
	first := !h.everConnected
	h.everConnected = true
	connected := m.connectedLocked()
	m.mu.Unlock()

	m.metrics.ShardsConnected(connected)
	m.events.Publish(newEvent(EventAuthenticated, index))
	log.Info("shard authenticated", slog.Bool("reconnect", !first))

	if err := ep.Notify("setup", map[string]any{
		"heartbeatInterval": m.heartbeatInterval.Milliseconds(),
	}); err != nil {
		// the connection is dead before a serve loop exists to revert
		// the handle, so detach here
		m.mu.Lock()
		if h.ep == ep {
			h.ep = nil
			if h.state != StateDying && h.state != StateTerminated {
				h.state = StateUnattached
			}
		}
		connected = m.connectedLocked()
		m.mu.Unlock()
		m.metrics.ShardsConnected(connected)
		return fmt.Errorf("send setup: %w", err)
	}

	go m.serveShard(ctx, h, ep, log)

	var wait time.Duration
	if first {
		wait = time.Duration(index) * m.connectStagger
	}
	go func() {
		tm := m.metrics.CallDuration("connect")
		_, err := ep.Call(ctx, "connect", map[string]any{"wait": wait.Milliseconds()})
		tm.ObserveDuration()
		if err != nil {
			log.Warn("connect not acknowledged", slog.Any("error", err))
			return
		}
		m.mu.Lock()
		promoted := h.ep == ep && h.state == StateAuthenticated
		if promoted {
			h.state = StateRunning
		}
		m.mu.Unlock()
		if !promoted {
			return
		}
		m.events.Publish(newEvent(EventRunning, index))
		log.Info("shard running", slog.Duration("wait", wait))
	}()

	return nil
}

// serveShard runs the endpoint's read loop and reverts the handle to
// unattached when the connection ends. A failure here is contained to
// this shard.
func (m *Master) serveShard(ctx context.Context, h *Handle, ep *rpc.Endpoint, log *slog.Logger) {
	err := ep.Serve(ctx, func(ctx context.Context, msg *rpc.Message) (any, error) {
		return m.dispatch(ctx, h, ep, msg)
	})

	m.mu.Lock()
	if h.ep != ep {
		// already replaced by a reconnect
		m.mu.Unlock()
		return
	}
	h.ep = nil
	if h.state != StateDying && h.state != StateTerminated {
		h.state = StateUnattached
	}
	connected := m.connectedLocked()
	shuttingDown := m.shuttingDown
	m.mu.Unlock()

	m.metrics.ShardsConnected(connected)
	if errors.Is(err, rpc.ErrProtocol) {
		m.metrics.ConnectionError("protocol")
		log.Warn("shard connection closed on protocol violation", slog.Any("error", err))
	} else if !shuttingDown {
		m.metrics.ConnectionError("connection_lost")
		log.Info("shard disconnected", slog.Any("error", err))
	}
	m.events.Publish(newEvent(EventDisconnected, h.index))
}

// dispatch routes a call or notification from a shard through the
// method table. An unknown method is a protocol violation: the
// offending connection is dropped, siblings are unaffected.
func (m *Master) dispatch(ctx context.Context, from *Handle, ep *rpc.Endpoint, msg *rpc.Message) (any, error) {
	h, ok := m.handlers[msg.Method]
	if !ok {
		m.log.Warn("unknown method, dropping connection",
			slog.Int("shard", from.index), slog.String("method", msg.Method))
		_ = ep.Close()
		return rpc.Deferred{}, nil
	}
	res, err := h(ctx, from, ep, msg)
	m.metrics.HandlerCompleted(msg.Method, err == nil)
	return res, err
}

// Shutdown begins the orderly teardown: stop accepting, send die to
// every connected shard and wait (via the exit events) for all launched
// subprocesses to terminate. Idempotent.
func (m *Master) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	type target struct {
		index int
		ep    *rpc.Endpoint
	}
	var targets []target
	for i, h := range m.handles {
		if h.state != StateTerminated {
			h.state = StateDying
		}
		if h.ep != nil {
			targets = append(targets, target{index: i, ep: h.ep})
		}
	}
	if m.sup != nil {
		m.expectTerm = m.sup.RunningCount()
	}
	alreadyDone := m.expectTerm == 0
	expect := m.expectTerm
	m.mu.Unlock()

	m.log.Info("shutting down", slog.Int("connected", len(targets)), slog.Int("workers", expect))
	m.events.Publish(newEvent(EventShutdown, -1))

	if m.ln != nil {
		_ = m.ln.Close()
	}

	connected := make(map[int]bool, len(targets))
	for _, tg := range targets {
		connected[tg.index] = true
		go func(tg target) {
			if _, err := tg.ep.Call(context.Background(), "die", nil); err != nil {
				m.log.Debug("die not acknowledged",
					slog.Int("shard", tg.index), slog.Any("error", err))
			}
		}(tg)
	}

	// Workers that never dialed in cannot be told to die.
	if m.sup != nil {
		for _, i := range m.sup.RunningIndexes() {
			if !connected[i] {
				m.sup.Kill(i)
			}
		}
	}

	if alreadyDone {
		m.closeDone()
	}
}

func (m *Master) closeDone() {
	m.doneOnce.Do(func() { close(m.done) })
}

// superviseLoop turns subprocess exit events into relaunches or, during
// shutdown, termination counting.
func (m *Master) superviseLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.sup.Exits():
			m.handleExit(ctx, ev)
		}
	}
}

func (m *Master) handleExit(ctx context.Context, ev exitEvent) {
	m.sup.observeExit(ev.index)

	m.mu.Lock()
	h := m.handles[ev.index]
	if h == nil {
		h = newHandle(ev.index)
		m.handles[ev.index] = h
	}
	if ep := h.ep; ep != nil {
		h.ep = nil
		go ep.Close()
	}
	if m.shuttingDown {
		h.state = StateTerminated
		m.terminated++
		allDone := m.terminated >= m.expectTerm
		m.mu.Unlock()

		m.metrics.WorkerTerminated()
		m.events.Publish(newEvent(EventTerminated, ev.index))
		m.log.Info("worker terminated", slog.Int("shard", ev.index), slog.Any("exit", ev.err))
		if allDone {
			m.closeDone()
		}
		return
	}
	h.state = StateUnattached
	m.mu.Unlock()

	m.log.Warn("worker exited unexpectedly, scheduling relaunch",
		slog.Int("shard", ev.index),
		slog.Any("exit", ev.err),
		slog.Duration("delay", m.restartDelay))
	m.metrics.WorkerRestart()

	time.AfterFunc(m.restartDelay, func() {
		if m.isShuttingDown() {
			return
		}
		if err := m.sup.Launch(ctx, ev.index); err != nil {
			m.log.Error("relaunch failed", slog.Int("shard", ev.index), slog.Any("error", err))
			return
		}
		m.events.Publish(newEvent(EventRelaunched, ev.index))
	})
}
