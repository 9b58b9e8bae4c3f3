// Package httpclient builds the outbound HTTP clients used for collaborator calls.
package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// New returns a client with an absolute per-request timeout. The transport
// is cloned from http.DefaultTransport so proxy settings, HTTP/2 and
// keepalives carry over.
func New(timeout time.Duration) *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ReadLimited reads at most limit bytes of r and fails if there is more.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds size limit of %d bytes", limit)
	}
	return body, nil
}
