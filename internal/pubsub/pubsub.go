// Package pubsub is the simulation's link to the remote publish/subscribe
// backend: outbound bus events and inbound commands such as hails.
package pubsub

import (
	"log/slog"
	"time"
)

// Outbound topics.
const (
	TopicBusStarted  = "bus_started"
	TopicBusEnded    = "bus_ended"
	TopicBusLocation = "bus_location"
	TopicBusBroken   = "bus_broken_down"
)

// Inbound topics.
const (
	TopicHailBus = "hail_bus"
)

// Payload is the key/value body of a published message.
type Payload map[string]any

// Publisher sends messages without waiting for delivery. Delivery failures
// never reach the caller.
type Publisher interface {
	Publish(topic string, payload Payload)
}

// Message is the wire form of an outbound message.
type Message struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Message Payload   `json:"message"`
	Time    time.Time `json:"time"`
}

// LogPublisher writes messages to a logger instead of a backend.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a publisher that logs at debug level.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With(slog.String("component", "publisher"))}
}

func (p *LogPublisher) Publish(topic string, payload Payload) {
	attrs := make([]any, 0, len(payload)+1)
	attrs = append(attrs, slog.String("topic", topic))
	for k, v := range payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	p.logger.Debug("publish", attrs...)
}

// Fanout publishes every message to each publisher in turn.
type Fanout []Publisher

func (f Fanout) Publish(topic string, payload Payload) {
	for _, p := range f {
		p.Publish(topic, payload)
	}
}
