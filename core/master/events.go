package master

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EventKind labels a lifecycle event.
type EventKind string

const (
	EventAuthenticated EventKind = "authenticated"
	EventRunning       EventKind = "running"
	EventDisconnected  EventKind = "disconnected"
	EventRelaunched    EventKind = "relaunched"
	EventTerminated    EventKind = "terminated"
	EventShutdown      EventKind = "shutdown"
)

// Event describes one shard lifecycle transition. Shard is -1 for
// master-level events such as shutdown.
type Event struct {
	ID    string    `json:"id"`
	Kind  EventKind `json:"kind"`
	Shard int       `json:"shard"`
	Time  time.Time `json:"time"`
}

// EventSink receives lifecycle events. Implementations must not block;
// the adapters/nats publisher satisfies this.
type EventSink interface {
	Publish(ev Event)
}

type nopEventSink struct{}

func (nopEventSink) Publish(Event) {}

// NopEventSink returns an EventSink that discards everything.
func NopEventSink() EventSink { return nopEventSink{} }

func newEvent(kind EventKind, shard int) Event {
	return Event{
		ID:    gonanoid.Must(10),
		Kind:  kind,
		Shard: shard,
		Time:  time.Now().UTC(),
	}
}
