package httpclient

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := New(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Timeout)
	require.NotNil(t, c.Transport)
}

func TestReadLimited(t *testing.T) {
	body, err := ReadLimited(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	_, err = ReadLimited(strings.NewReader("hello!"), 5)
	assert.ErrorContains(t, err, "exceeds size limit")
}
