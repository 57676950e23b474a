// Package nats publishes the master's shard lifecycle events to NATS so
// external consumers (dashboards, alerting) can observe the fleet
// without talking to the master directly.
package nats

import (
	"encoding/json"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/shardmaster-go/core/master"
)

type EventPublisherConfig struct {
	// Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Connect Connector
	// SubjectPrefix for event subjects, e.g. "shardmaster" ->
	// shardmaster.events.<kind>.
	SubjectPrefix string
	Log           *slog.Logger
}

// EventPublisher implements master.EventSink on a NATS connection.
// Publishes are fire-and-forget and never block the master.
type EventPublisher struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	prefix  string
}

func NewEventPublisher(cfg EventPublisherConfig) (*EventPublisher, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "shardmaster"
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &EventPublisher{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("sink", "nats")),
		prefix:  prefix,
	}, nil
}

// Publish encodes one lifecycle event as JSON onto
// <prefix>.events.<kind>. Errors are logged, never surfaced: losing an
// observability event must not affect supervision.
func (p *EventPublisher) Publish(ev master.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("failed to encode event", slog.Any("error", err))
		return
	}
	subj := p.prefix + ".events." + string(ev.Kind)
	if err := p.nc.Publish(subj, payload); err != nil {
		p.log.Warn("failed to publish event",
			slog.String("subject", subj), slog.Any("error", err))
	}
}

func (p *EventPublisher) Close() {
	p.closeNc()
}

var _ master.EventSink = (*EventPublisher)(nil)
