package rpc

import "errors"

var (
	// Endpoint errors
	ErrClosed         = errors.New("rpc: endpoint closed")
	ErrConnectionLost = errors.New("rpc: connection lost")

	// Protocol errors
	ErrProtocol      = errors.New("rpc: protocol violation")
	ErrUnknownMethod = errors.New("rpc: unknown method")
)
