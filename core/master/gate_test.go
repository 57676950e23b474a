package master

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardmaster-go/core/rpc"
	"github.com/codewandler/shardmaster-go/internal/auth"
)

// rawConn speaks the wire protocol directly, one JSON document per line.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Scanner
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, conn: conn, r: bufio.NewScanner(conn)}
}

func (c *rawConn) send(doc map[string]any) {
	c.t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(b, '\n'))
	require.NoError(c.t, err)
}

func (c *rawConn) handshake(secret string, shard int) {
	c.t.Helper()
	c.send(map[string]any{"shard": shard, "pw": auth.Credential(secret, shard)})
}

func (c *rawConn) recv() (*rpc.Message, error) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !c.r.Scan() {
		if err := c.r.Err(); err != nil {
			return nil, err
		}
		return nil, net.ErrClosed
	}
	var m rpc.Message
	require.NoError(c.t, json.Unmarshal(c.r.Bytes(), &m))
	return &m, nil
}

// recvUntilResponse skips calls and notifications from the master until
// a response with the given id arrives.
func (c *rawConn) recvUntilResponse(id uint64) *rpc.Message {
	c.t.Helper()
	for {
		m, err := c.recv()
		require.NoError(c.t, err)
		if m.Kind() == rpc.KindResponse && *m.ID == id {
			return m
		}
	}
}

func TestGate_AcceptsValidHandshake(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 2})

	c := dialRaw(t, m.Addr())
	c.handshake(TestSecret, 1)

	// setup arrives first, carrying the heartbeat interval
	msg, err := c.recv()
	require.NoError(t, err)
	require.Equal(t, rpc.KindNotification, msg.Kind())
	require.Equal(t, "setup", msg.Method)
	iv, ok := msg.ParamInt("heartbeatInterval")
	require.True(t, ok)
	require.Greater(t, iv, 0)

	waitState(t, m, 1, StateAuthenticated)

	// then connect, whose ack promotes the shard to running
	msg, err = c.recv()
	require.NoError(t, err)
	require.Equal(t, rpc.KindCall, msg.Kind())
	require.Equal(t, "connect", msg.Method)
	c.send(map[string]any{"id": *msg.ID, "result": true})

	waitState(t, m, 1, StateRunning)
}

func TestGate_VerifyHandshakeErrors(t *testing.T) {
	m, err := New(Options{ShardCount: 2, Secret: TestSecret})
	require.NoError(t, err)
	g := &gate{m: m}

	shard := func(i int) *int { return &i }

	_, err = g.verifyHandshake(&rpc.Message{Shard: shard(0), Credential: "bogus"})
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = g.verifyHandshake(&rpc.Message{Shard: shard(2), Credential: auth.Credential(TestSecret, 2)})
	require.ErrorIs(t, err, ErrShardRange)

	id := uint64(1)
	_, err = g.verifyHandshake(&rpc.Message{Method: "ping", ID: &id})
	require.ErrorIs(t, err, rpc.ErrProtocol)

	index, err := g.verifyHandshake(&rpc.Message{Shard: shard(1), Credential: auth.Credential(TestSecret, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, index)
}

func TestGate_RejectsBadCredential(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 2})

	c := dialRaw(t, m.Addr())
	c.send(map[string]any{"shard": 0, "pw": "not-a-credential"})

	_, err := c.recv()
	require.Error(t, err, "connection should be dropped without a reply")
	require.Equal(t, StateUnattached, m.ShardState(0))

	// a single bad client must not take the gate down
	good := dialRaw(t, m.Addr())
	good.handshake(TestSecret, 0)
	waitState(t, m, 0, StateAuthenticated)
}

func TestGate_RejectsCredentialForWrongShard(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 2})

	c := dialRaw(t, m.Addr())
	// valid credential, but minted for shard 1
	c.send(map[string]any{"shard": 0, "pw": auth.Credential(TestSecret, 1)})

	_, err := c.recv()
	require.Error(t, err)
	require.Equal(t, StateUnattached, m.ShardState(0))
}

func TestGate_RejectsOutOfRangeShard(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 2})

	for _, shard := range []int{-1, 2, 99} {
		c := dialRaw(t, m.Addr())
		c.send(map[string]any{"shard": shard, "pw": auth.Credential(TestSecret, shard)})
		_, err := c.recv()
		require.Error(t, err)
	}
}

func TestGate_RejectsNonHandshakeFirstMessage(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 1})

	c := dialRaw(t, m.Addr())
	c.send(map[string]any{"method": "ping", "id": 1})

	_, err := c.recv()
	require.Error(t, err)
}

func TestGate_PingBeforeConnectAck(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 2})

	c := dialRaw(t, m.Addr())
	c.handshake(TestSecret, 0)
	waitState(t, m, 0, StateAuthenticated)

	// calls are served as soon as the handshake clears, the worker
	// does not have to ack connect first
	c.send(map[string]any{"method": "ping", "id": 7})

	resp := c.recvUntilResponse(7)
	require.JSONEq(t, `true`, string(resp.Result))
	require.Empty(t, resp.Error)
}

func TestGate_ReconnectReplacesConnection(t *testing.T) {
	m := StartTestMaster(t, Options{ShardCount: 1})

	old := dialRaw(t, m.Addr())
	old.handshake(TestSecret, 0)
	waitState(t, m, 0, StateAuthenticated)

	// same shard dials again: the fresh connection wins
	fresh := dialRaw(t, m.Addr())
	fresh.handshake(TestSecret, 0)

	// drain whatever the master already wrote, then hit the close
	var err error
	for err == nil {
		_, err = old.recv()
	}

	fresh.send(map[string]any{"method": "ping", "id": 3})
	resp := fresh.recvUntilResponse(3)
	require.JSONEq(t, `true`, string(resp.Result))
}
