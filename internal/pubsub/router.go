package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownTopic   = errors.New("no handler for topic")
	ErrMalformedInput = errors.New("malformed message")
)

// Envelope is the wire form of an inbound message.
type Envelope struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

// HailMessage asks bus BusReg to stop at BusStop.
type HailMessage struct {
	BusReg  string `json:"bus_reg"`
	BusStop string `json:"bus_stop"`
}

// HandlerFunc handles the message body of one inbound topic.
type HandlerFunc func(ctx context.Context, message json.RawMessage) error

// Router dispatches inbound envelopes to per-topic handlers. It is safe for
// concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for topic, replacing any previous handler.
func (r *Router) Handle(topic string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = fn
}

// HandleHail registers fn for hail_bus messages.
func (r *Router) HandleHail(fn func(ctx context.Context, msg HailMessage) error) {
	r.Handle(TopicHailBus, func(ctx context.Context, raw json.RawMessage) error {
		var msg HailMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if msg.BusReg == "" {
			return fmt.Errorf("%w: bus_reg is required", ErrMalformedInput)
		}
		return fn(ctx, msg)
	})
}

// Dispatch decodes raw as an Envelope and runs its topic's handler.
func (r *Router) Dispatch(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return r.DispatchEnvelope(ctx, env)
}

// DispatchEnvelope runs env's topic handler.
func (r *Router) DispatchEnvelope(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	fn, ok := r.handlers[env.Topic]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, env.Topic)
	}
	return fn(ctx, env.Message)
}

// Topics returns the registered topics.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
