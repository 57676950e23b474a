package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Reply carries the outcome of one issued call.
type Reply struct {
	Result json.RawMessage
	Err    error
}

// Deferred, returned from a [Handler], signals that the handler takes
// responsibility for sending the response itself at a later point. The
// serve loop then writes nothing.
type Deferred struct{}

// Handler processes inbound calls and notifications. For a call, the
// returned value is written back as the response result and a returned
// error as the response error. Return values for notifications are
// discarded.
type Handler func(ctx context.Context, m *Message) (any, error)

type Options struct {
	Log *slog.Logger

	// NextID is the counter ids are drawn from. Shared with the owning
	// shard handle so that ids keep increasing across reconnects. If nil
	// the endpoint uses a private counter.
	NextID *atomic.Uint64
}

// Endpoint owns one duplex byte stream and the table of in-flight calls.
// Safe for concurrent use; writes are serialized internally.
type Endpoint struct {
	log    *slog.Logger
	conn   io.ReadWriteCloser
	dec    *json.Decoder
	nextID *atomic.Uint64

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[uint64]chan Reply
	closed  bool
}

func NewEndpoint(conn io.ReadWriteCloser, opts Options) *Endpoint {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	nextID := opts.NextID
	if nextID == nil {
		nextID = new(atomic.Uint64)
	}
	return &Endpoint{
		log:     log,
		conn:    conn,
		dec:     json.NewDecoder(conn),
		enc:     json.NewEncoder(conn),
		nextID:  nextID,
		pending: make(map[uint64]chan Reply),
	}
}

// AdoptCounter switches the id source. The connection gate calls this
// between reading the handshake and attaching the endpoint to its shard
// handle, before any call can be issued.
func (e *Endpoint) AdoptCounter(c *atomic.Uint64) {
	e.nextID = c
}

// write encodes one document. json.Encoder appends the trailing newline
// that delimits messages on the stream.
func (e *Endpoint) write(m *Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("rpc: write %s: %w", m.Kind(), err)
	}
	return nil
}

// Call issues a call and waits for the matching response. The pending
// completion is registered before the message is transmitted, so a
// response can never race registration. If ctx is canceled the entry
// stays registered; a late response resolves into its buffered channel
// and is discarded rather than flagged as a violation.
func (e *Endpoint) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := e.nextID.Add(1)

	ch := make(chan Reply, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.pending[id] = ch
	e.mu.Unlock()

	if err := e.write(&Message{Method: method, Params: params, ID: &id}); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Result, r.Err
	}
}

// Notify sends a call without an id: no completion is registered and no
// response is expected.
func (e *Endpoint) Notify(method string, params map[string]any) error {
	return e.write(&Message{Method: method, Params: params})
}

// Respond writes a success response for the given call id.
func (e *Endpoint) Respond(id uint64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rpc: encode result: %w", err)
	}
	return e.write(&Message{ID: &id, Result: raw})
}

// RespondError writes an error response for the given call id.
func (e *Endpoint) RespondError(id uint64, msg string) error {
	raw, _ := json.Marshal(msg)
	return e.write(&Message{ID: &id, Error: raw})
}

// SendHandshake writes the initial {shard, pw} document. Worker side only.
func (e *Endpoint) SendHandshake(shard int, credential string) error {
	return e.write(&Message{Shard: &shard, Credential: credential})
}

// Receive decodes exactly one message off the stream. Used by the
// connection gate to read the handshake before the serve loop starts.
func (e *Endpoint) Receive() (*Message, error) {
	var m Message
	if err := e.dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrConnectionLost
		}
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		if errors.As(err, &syn) || errors.As(err, &typ) {
			return nil, fmt.Errorf("%w: malformed document: %v", ErrProtocol, err)
		}
		return nil, ErrConnectionLost
	}
	return &m, nil
}

// Serve reads messages until the stream fails, a protocol violation
// occurs, or ctx is canceled. Responses resolve their pending call;
// calls and notifications are handed to h. The endpoint is always
// closed before Serve returns.
func (e *Endpoint) Serve(ctx context.Context, h Handler) error {
	defer e.Close()

	stop := context.AfterFunc(ctx, func() { e.Close() })
	defer stop()

	for {
		m, err := e.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch m.Kind() {
		case KindResponse:
			if err := e.resolve(m); err != nil {
				return err
			}
		case KindCall, KindNotification:
			e.dispatch(ctx, h, m)
		default:
			return fmt.Errorf("%w: unexpected %s message", ErrProtocol, m.Kind())
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, h Handler, m *Message) {
	res, err := h(ctx, m)
	if m.ID == nil {
		if err != nil {
			e.log.Warn("notification handler failed",
				slog.String("method", m.Method), slog.Any("error", err))
		}
		return
	}
	if _, ok := res.(Deferred); ok {
		return
	}
	if err != nil {
		err = e.RespondError(*m.ID, err.Error())
	} else {
		err = e.Respond(*m.ID, res)
	}
	if err != nil {
		e.log.Warn("failed to write response",
			slog.String("method", m.Method), slog.Uint64("id", *m.ID), slog.Any("error", err))
	}
}

// resolve completes the pending call matching a response. A response for
// an id with no pending completion is a protocol violation: ids are
// issued by this endpoint and resolved exactly once.
func (e *Endpoint) resolve(m *Message) error {
	e.mu.Lock()
	ch, ok := e.pending[*m.ID]
	if ok {
		delete(e.pending, *m.ID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: response for unknown id %d", ErrProtocol, *m.ID)
	}

	r := Reply{Result: m.Result}
	if len(m.Error) > 0 {
		var msg string
		if err := json.Unmarshal(m.Error, &msg); err != nil {
			msg = string(m.Error)
		}
		r.Err = errors.New(msg)
	}

	// Buffered 1, registered by Call; never blocks.
	ch <- r
	return nil
}

// Close fails every pending call with ErrConnectionLost and releases the
// underlying stream. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- Reply{Err: ErrConnectionLost}
	}
	e.mu.Unlock()

	return e.conn.Close()
}
