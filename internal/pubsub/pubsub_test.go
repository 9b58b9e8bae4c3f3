package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/clock"
	"bussim.transitsim.org/internal/metrics"
)

func TestHTTPPublisherPostsMessages(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publish", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	now := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	m := metrics.New()
	p := NewHTTPPublisher(HTTPConfig{BaseURL: server.URL + "/"}, clock.NewMockClock(now), nil, m)

	p.Publish(TopicBusStarted, Payload{"bus_reg": "T123ABC"})
	p.Publish(TopicBusLocation, Payload{"bus_reg": "T123ABC", "latitude": -6.8, "longitude": 39.2})
	require.NoError(t, p.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, TopicBusStarted, got[0].Topic)
	assert.Equal(t, "T123ABC", got[0].Message["bus_reg"])
	assert.Equal(t, now, got[0].Time)
	_, err := uuid.Parse(got[0].ID)
	assert.NoError(t, err)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishedTotal.WithLabelValues(TopicBusLocation)))
}

func TestHTTPPublisherFailuresAreCountedNotReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var buf bytes.Buffer
	m := metrics.New()
	p := NewHTTPPublisher(HTTPConfig{BaseURL: server.URL}, nil, slog.New(slog.NewTextHandler(&buf, nil)), m)

	p.Publish(TopicBusEnded, Payload{"bus_reg": "T1"})
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailuresTotal))
	assert.Contains(t, buf.String(), "failed to publish message")
}

func TestHTTPPublisherDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()

	m := metrics.New()
	p := NewHTTPPublisher(HTTPConfig{BaseURL: server.URL, QueueSize: 1}, nil, nil, m)

	// One message may be in flight, one queued; the rest are dropped.
	for i := 0; i < 10; i++ {
		p.Publish(TopicBusLocation, Payload{"i": i})
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.PublishFailuresTotal), 8.0)

	close(block)
	require.NoError(t, p.Close(context.Background()))

	p.Publish(TopicBusLocation, nil)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	Fanout{NewLogPublisher(logger)}.Publish(TopicBusBroken, Payload{"bus_reg": "T1"})
	assert.Contains(t, buf.String(), "topic=bus_broken_down")
	assert.Contains(t, buf.String(), "bus_reg=T1")
}

func TestRouterDispatchesHail(t *testing.T) {
	r := NewRouter()
	var got HailMessage
	r.HandleHail(func(_ context.Context, msg HailMessage) error {
		got = msg
		return nil
	})

	err := r.Dispatch(context.Background(), []byte(`{"topic":"hail_bus","message":{"bus_reg":"T123ABC","bus_stop":"ubungo"}}`))
	require.NoError(t, err)
	assert.Equal(t, HailMessage{BusReg: "T123ABC", BusStop: "ubungo"}, got)
	assert.Equal(t, []string{TopicHailBus}, r.Topics())
}

func TestRouterErrors(t *testing.T) {
	r := NewRouter()
	r.HandleHail(func(context.Context, HailMessage) error { return errors.New("unknown bus") })

	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "not json", raw: `nope`, wantErr: ErrMalformedInput},
		{name: "unknown topic", raw: `{"topic":"weather","message":{}}`, wantErr: ErrUnknownTopic},
		{name: "missing bus", raw: `{"topic":"hail_bus","message":{"bus_stop":"x"}}`, wantErr: ErrMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Dispatch(context.Background(), []byte(tt.raw)), tt.wantErr)
		})
	}

	err := r.Dispatch(context.Background(), []byte(`{"topic":"hail_bus","message":{"bus_reg":"X"}}`))
	assert.EqualError(t, err, "unknown bus")
}
