package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardmaster-go/core/rpc"
	"github.com/codewandler/shardmaster-go/internal/auth"
)

const handshakeTimeout = 10 * time.Second

// gate accepts inbound worker connections, verifies the handshake
// credential and binds the validated connection to its shard handle.
// Authentication failures drop the single connection; an accept failure
// is fatal and escalates to a full master shutdown.
type gate struct {
	m   *Master
	log *slog.Logger
	ln  net.Listener
}

func (g *gate) run(ctx context.Context) error {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if g.m.isShuttingDown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// The acceptor cannot tell a transient error from a dead
			// listener, so treat it as fatal.
			g.log.Error("accept failed", slog.Any("error", err))
			return err
		}
		go g.handleConn(ctx, conn)
	}
}

func (g *gate) handleConn(ctx context.Context, conn net.Conn) {
	log := g.log.With(
		slog.String("conn", gonanoid.Must(8)),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	ep := rpc.NewEndpoint(conn, rpc.Options{Log: log})

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := ep.Receive()
	if err != nil {
		log.Warn("invalid handshake", slog.Any("error", err))
		g.m.metrics.ConnectionError("protocol")
		_ = ep.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	index, err := g.verifyHandshake(msg)
	if err != nil {
		log.Warn("handshake rejected", slog.Int("shard", index), slog.Any("error", err))
		if errors.Is(err, rpc.ErrProtocol) {
			g.m.metrics.ConnectionError("protocol")
		} else {
			g.m.metrics.ConnectionError("auth_failed")
		}
		_ = ep.Close()
		return
	}

	log = log.With(slog.Int("shard", index))
	if err := g.m.attach(ctx, index, ep, log); err != nil {
		log.Warn("attach rejected", slog.Any("error", err))
		_ = ep.Close()
		return
	}
}

// verifyHandshake checks the first message of a connection: it must be a
// handshake claiming an in-range shard index with the matching
// credential.
func (g *gate) verifyHandshake(msg *rpc.Message) (int, error) {
	if msg.Kind() != rpc.KindHandshake {
		return -1, fmt.Errorf("%w: expected handshake, got %s", rpc.ErrProtocol, msg.Kind())
	}
	index := *msg.Shard
	if index < 0 || index >= g.m.shardCount {
		return index, fmt.Errorf("%w: shard %d of %d", ErrShardRange, index, g.m.shardCount)
	}
	if !auth.Verify(g.m.secret, index, msg.Credential) {
		return index, ErrAuthFailed
	}
	return index, nil
}
