package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardmaster-go/core/master"
	"github.com/codewandler/shardmaster-go/core/ratelimit"
	"github.com/codewandler/shardmaster-go/core/rpc"
	"github.com/codewandler/shardmaster-go/core/worker"
)

// TestIntegration runs the full control plane in-process: a master, a
// worker per shard, stats aggregation, token brokering and an orderly
// shutdown.
func TestIntegration(t *testing.T) {
	const shards = 4

	m := master.StartTestMaster(t, master.Options{
		ShardCount: shards,
		Limits: map[string]ratelimit.Config{
			"cleverbot": {Capacity: shards + 1, Interval: time.Hour, FireImmediately: true},
		},
	})

	var (
		clients []*worker.Client
		died    = make(chan int, shards)
		runErrs = make(chan error, shards)
	)
	for i := 0; i < shards; i++ {
		i := i
		c, err := worker.Dial(t.Context(), worker.Options{
			Addr:             m.Addr(),
			Secret:           master.TestSecret,
			Shard:            i,
			ShardCount:       shards,
			DisableHeartbeat: true,
			OnDie:            func() { died <- i },
		})
		require.NoError(t, err)
		c.Handle("getStats", func(ctx context.Context, msg *rpc.Message) (any, error) {
			return master.Stats{Servers: 1, Users: 10 * (i + 1)}, nil
		})
		go func() { runErrs <- c.Run(t.Context()) }()
		clients = append(clients, c)
	}

	// all shards come up
	require.Eventually(t, func() bool {
		return m.ConnectedShards() == shards
	}, 5*time.Second, 20*time.Millisecond)
	for i := 0; i < shards; i++ {
		require.Equal(t, master.StateRunning, m.ShardState(i))
	}

	// any shard can request the cluster-wide stats
	raw, err := clients[2].Call(t.Context(), "getStats", nil)
	require.NoError(t, err)
	var combined master.CombinedStats
	require.NoError(t, json.Unmarshal(raw, &combined))
	require.Equal(t, shards, combined.Servers)
	require.Equal(t, 10+20+30+40, combined.Users)
	require.Equal(t, shards, combined.Shards)

	// the capability budget is shared across all shards
	granted := 0
	for _, c := range clients {
		ok, err := c.TryRemoveToken(t.Context(), "removeCleverbotToken")
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	require.Equal(t, shards, granted)
	ok, err := clients[0].TryRemoveToken(t.Context(), "removeCleverbotToken")
	require.NoError(t, err)
	require.True(t, ok, "one token left in the bucket")
	ok, err = clients[0].TryRemoveToken(t.Context(), "removeCleverbotToken")
	require.NoError(t, err)
	require.False(t, ok, "bucket exhausted")

	// shutdown tells every worker to die and their run loops end clean
	m.Shutdown()
	for i := 0; i < shards; i++ {
		select {
		case <-died:
		case <-time.After(5 * time.Second):
			t.Fatal("not all workers told to die")
		}
	}
	for i := 0; i < shards; i++ {
		select {
		case err := <-runErrs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker run loop never returned")
		}
	}
	<-m.Done()
}
