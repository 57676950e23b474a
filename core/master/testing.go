package master

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSecret is the shared secret used by the test harness.
const TestSecret = "test-secret"

// StartTestMaster creates and starts a master on a random loopback port
// with test-friendly defaults. Fields set in opts win.
func StartTestMaster(t *testing.T, opts Options) *Master {
	if opts.ShardCount == 0 {
		opts.ShardCount = 2
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.Secret == "" {
		opts.Secret = TestSecret
	}
	if opts.ConnectStagger == 0 {
		opts.ConnectStagger = 1 // effectively no stagger
	}

	m, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(t.Context()))

	t.Cleanup(func() {
		m.Shutdown()
		<-m.Done()
	})

	return m
}
