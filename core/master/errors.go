package master

import "errors"

var (
	// Gate errors
	ErrAuthFailed   = errors.New("master: handshake credential mismatch")
	ErrShardRange   = errors.New("master: shard index out of range")
	ErrShuttingDown = errors.New("master: shutting down")

	// Dispatch errors
	ErrStatsInFlight = errors.New("master: stats aggregation already in flight")
	ErrNotConnected  = errors.New("master: shard has no live connection")
)
