package app

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"bussim.transitsim.org/internal/appconf"
)

func TestAPIKeys(t *testing.T) {
	a := &Application{Config: appconf.Config{ApiKeys: []string{"alpha", "beta"}}}

	tests := []struct {
		name    string
		target  string
		header  string
		invalid bool
	}{
		{name: "query key", target: "/api/buses?key=alpha", invalid: false},
		{name: "header key", target: "/api/buses", header: "beta", invalid: false},
		{name: "query wins over header", target: "/api/buses?key=nope", header: "beta", invalid: true},
		{name: "missing key", target: "/api/buses", invalid: true},
		{name: "unknown key", target: "/api/buses?key=gamma", invalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("X-API-Key", tt.header)
			}
			assert.Equal(t, tt.invalid, a.RequestHasInvalidAPIKey(r))
		})
	}
}
