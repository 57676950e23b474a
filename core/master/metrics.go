package master

import "github.com/codewandler/shardmaster-go/core/metrics"

// MasterMetrics defines the instrumentation surface of the master.
// All methods are thread-safe.
type MasterMetrics interface {
	// Inbound dispatch
	HandlerCompleted(method string, success bool)

	// Outbound calls to workers
	CallDuration(method string) metrics.Timer

	// Gate: auth_failed, protocol, connection_lost
	ConnectionError(errorType string)
	ShardsConnected(count int)

	// Supervision
	WorkerRestart()
	WorkerTerminated()

	// Rate limiting
	TokenRequest(capability string, granted bool)
}

type nopMasterMetrics struct{}

func (nopMasterMetrics) HandlerCompleted(string, bool)       {}
func (nopMasterMetrics) CallDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopMasterMetrics) ConnectionError(string)              {}
func (nopMasterMetrics) ShardsConnected(int)                 {}
func (nopMasterMetrics) WorkerRestart()                      {}
func (nopMasterMetrics) WorkerTerminated()                   {}
func (nopMasterMetrics) TokenRequest(string, bool)           {}

// NopMasterMetrics returns a no-op MasterMetrics implementation.
func NopMasterMetrics() MasterMetrics { return nopMasterMetrics{} }
