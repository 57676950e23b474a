// Package metrics defines the small metric primitives the core packages
// instrument against, keeping them decoupled from any concrete backend.
// adapters/prometheus provides the real implementation; the Nop variants
// are the default everywhere.
package metrics

// Counter only ever goes up.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge tracks a value that moves in both directions.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Timer records the duration of one operation; create it when the
// operation starts and call ObserveDuration when it completes:
//
//	defer m.CallDuration("getStats").ObserveDuration()
type Timer interface {
	ObserveDuration()
}
