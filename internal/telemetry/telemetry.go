// Package telemetry exports world and participant lifecycle events over
// NATS, best-effort: a publish failure is logged and otherwise ignored, it
// never blocks or fails the core operation that triggered it.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event is one lifecycle notification, published as JSON on Subject.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	World     int       `json:"world"`
	Name      string    `json:"event"`
	Participant uint32  `json:"participant,omitempty"`
}

// Exporter publishes Events to a NATS subject. A nil Exporter, or one that
// Connect returned for an empty NATS URL, is valid and every method is a
// no-op.
type Exporter struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// Connect dials url and returns an Exporter publishing to subject. If url is
// empty, telemetry export is disabled and Connect returns a usable no-op
// Exporter rather than an error, so callers can wire it unconditionally.
func Connect(url, subject string, logger zerolog.Logger) (*Exporter, error) {
	if url == "" {
		return &Exporter{logger: logger}, nil
	}
	conn, err := nats.Connect(url, nats.Name("fusiond"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return &Exporter{conn: conn, subject: subject, logger: logger}, nil
}

// Publish best-effort exports one lifecycle event.
func (e *Exporter) Publish(world int, name string, participant uint32) {
	if e == nil || e.conn == nil {
		return
	}
	data, err := json.Marshal(Event{
		Timestamp:   time.Now(),
		World:       world,
		Name:        name,
		Participant: participant,
	})
	if err != nil {
		return
	}
	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Debug().Err(err).Str("event", name).Msg("telemetry publish failed")
	}
}

// Close drains and closes the underlying connection, if any.
func (e *Exporter) Close() {
	if e != nil && e.conn != nil {
		e.conn.Drain()
	}
}
