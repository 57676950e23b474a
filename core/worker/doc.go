// Package worker is the shard-process side of the master protocol: dial
// back to the master, present the handshake credential, then serve the
// master's calls. The built-in handling covers the lifecycle methods
// (setup starts the heartbeat, connect and die are delegated to the
// caller); everything else goes through registered handlers, with the
// payloads left opaque.
package worker
