package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/httpclient"
	"bussim.transitsim.org/internal/logging"
	"bussim.transitsim.org/internal/metrics"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
)

// HTTPConfig configures an HTTPPublisher.
type HTTPConfig struct {
	// BaseURL is the backend root; messages go to BaseURL + "/publish".
	BaseURL   string
	QueueSize int
	Timeout   time.Duration
}

// HTTPPublisher posts messages to the backend from a single worker goroutine.
// Publish never blocks: when the queue is full the message is dropped.
type HTTPPublisher struct {
	endpoint string
	client   *http.Client
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// NewHTTPPublisher starts the worker. Call Close to stop it.
func NewHTTPPublisher(cfg HTTPConfig, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *HTTPPublisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &HTTPPublisher{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/publish",
		client:   httpclient.New(cfg.Timeout),
		clock:    clk,
		logger:   logger.With(slog.String("component", "http_publisher")),
		metrics:  m,
		queue:    make(chan Message, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues a message stamped with a fresh id and the clock's time.
func (p *HTTPPublisher) Publish(topic string, payload Payload) {
	msg := Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Message: payload,
		Time:    p.clock.Now().UTC(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- msg:
		p.metrics.Published(topic)
	default:
		p.metrics.PublishFailed()
		p.logger.Warn("publish queue full, dropping message",
			slog.String("topic", topic),
			slog.String("id", msg.ID))
	}
}

// Close stops accepting messages and waits until the queue is drained or
// ctx is done.
func (p *HTTPPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *HTTPPublisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.send(msg); err != nil {
			p.metrics.PublishFailed()
			logging.LogError(p.logger, "failed to publish message", err,
				slog.String("topic", msg.Topic),
				slog.String("id", msg.ID))
		}
	}
}

func (p *HTTPPublisher) send(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, p.logger, "http_response_body")
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish to %s returned %s", p.endpoint, resp.Status)
	}
	return nil
}
