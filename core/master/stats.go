package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codewandler/shardmaster-go/core/rpc"
)

// Stats is one shard's contribution to the cluster-wide statistics.
// Numeric fields are summed across shards during aggregation.
type Stats struct {
	Servers          int `json:"servers"`
	Users            int `json:"users"`
	VoiceConnections int `json:"voiceConnections"`
	SongsPlayed      int `json:"songsPlayed"`
}

func (s *Stats) add(o Stats) {
	s.Servers += o.Servers
	s.Users += o.Users
	s.VoiceConnections += o.VoiceConnections
	s.SongsPlayed += o.SongsPlayed
}

// CombinedStats is the aggregated reply sent to the requesting shard,
// the per-shard sums plus master-side fields.
type CombinedStats struct {
	Stats
	Shards int     `json:"shards"`
	Uptime float64 `json:"uptime"` // seconds since the master started
}

// aggSession is the transient bookkeeping of one getStats broadcast.
// At most one session is live at a time; guarded by the master's lock.
type aggSession struct {
	// requester's endpoint and call id, to reply to once complete
	ep *rpc.Endpoint
	id uint64

	expect int
	got    int
	acc    Stats
}

// handleGetStats opens an aggregation session and broadcasts getStats to
// every shard. The response to the requester is deferred until all
// shards have been folded in. The session replies on the endpoint the
// request arrived on, not the handle's current one.
func (m *Master) handleGetStats(ctx context.Context, from *Handle, ep *rpc.Endpoint, msg *rpc.Message) (any, error) {
	if msg.ID == nil {
		// there is no one to send the aggregate to; same treatment as
		// an unknown method
		m.log.Warn("getStats without id, dropping connection", slog.Int("shard", from.index))
		_ = ep.Close()
		return rpc.Deferred{}, nil
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrStatsInFlight
	}
	m.session = &aggSession{
		ep:     ep,
		id:     *msg.ID,
		expect: m.shardCount,
	}

	type target struct {
		index int
		ep    *rpc.Endpoint
	}
	var (
		live     []target
		detached []int
	)
	for i := 0; i < m.shardCount; i++ {
		h := m.handles[i]
		if h == nil || h.ep == nil {
			detached = append(detached, i)
			continue
		}
		live = append(live, target{index: i, ep: h.ep})
	}
	m.mu.Unlock()

	for _, tg := range live {
		go func(tg target) {
			tm := m.metrics.CallDuration("getStats")
			raw, err := tg.ep.Call(ctx, "getStats", nil)
			tm.ObserveDuration()
			m.foldStats(tg.index, raw, err)
		}(tg)
	}
	// A shard with no live connection still counts toward the expected
	// total; it contributes a zero value.
	for _, i := range detached {
		m.foldStats(i, nil, ErrNotConnected)
	}

	return rpc.Deferred{}, nil
}

// foldStats merges one shard's reply into the open session. Replies
// arriving after the session closed are ignored.
func (m *Master) foldStats(index int, raw json.RawMessage, err error) {
	var part Stats
	if err != nil {
		m.log.Warn("stats reply failed, counting shard as zero",
			slog.Int("shard", index), slog.Any("error", err))
	} else if uerr := json.Unmarshal(raw, &part); uerr != nil {
		m.log.Warn("stats reply undecodable, counting shard as zero",
			slog.Int("shard", index), slog.Any("error", uerr))
	}

	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		m.log.Warn("ignoring stats reply with no open session", slog.Int("shard", index))
		return
	}
	s.acc.add(part)
	s.got++
	if s.got < s.expect {
		m.mu.Unlock()
		return
	}
	combined := CombinedStats{
		Stats:  s.acc,
		Shards: m.shardCount,
		Uptime: time.Since(m.started).Seconds(),
	}
	ep, id := s.ep, s.id
	m.session = nil
	m.mu.Unlock()

	if err := ep.Respond(id, combined); err != nil {
		m.log.Warn("failed to deliver aggregated stats", slog.Any("error", err))
	}
}
