// Package master implements the control plane of the sharded bot: a
// master process that supervises a fixed number of worker subprocesses,
// authenticates their dial-back connections, exchanges calls and
// notifications with them over core/rpc, brokers the globally
// rate-limited capabilities through core/ratelimit, and aggregates
// cross-shard statistics.
//
// The master treats call parameters and results as opaque payloads; it
// is a transport, authentication and supervision layer only.
package master
