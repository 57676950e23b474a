// Package rpc implements the private call/response/notification protocol
// spoken between the master and its worker shards.
//
// Wire format: newline-delimited JSON, one document per message. A message
// carrying a method is a call (with id) or a notification (without id); a
// message carrying only an id is the response to a previously issued call.
// The very first message on a worker connection is the handshake
// {shard, pw}, see package internal/auth for the credential derivation.
//
// An [Endpoint] owns one duplex byte stream and the correlation table of
// in-flight calls. Responses are matched by id, not arrival order. Closing
// the endpoint fails every pending call with [ErrConnectionLost].
package rpc
