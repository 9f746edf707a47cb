package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStderrBufferCapturesOutput(t *testing.T) {
	b := NewStderrBuffer()
	n, err := b.Write([]byte("agent: cannot find config\n"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)
	assert.Equal(t, "agent: cannot find config\n", b.String())
	assert.Zero(t, b.Dropped())
}

func TestStderrBufferKeepsEarliestBytes(t *testing.T) {
	b := NewStderrBuffer()
	first := strings.Repeat("a", stderrCap-10)
	_, _ = b.Write([]byte(first))
	_, _ = b.Write([]byte(strings.Repeat("b", 100)))

	got := b.String()
	assert.Len(t, got, stderrCap)
	assert.True(t, strings.HasPrefix(got, first))
	assert.Equal(t, 90, b.Dropped())
}

func TestStderrBufferDropsEverythingPastCap(t *testing.T) {
	b := NewStderrBuffer()
	_, _ = b.Write([]byte(strings.Repeat("x", stderrCap)))
	_, _ = b.Write([]byte("overflow"))

	assert.Len(t, b.String(), stderrCap)
	assert.Equal(t, len("overflow"), b.Dropped())
}

func TestStderrBufferWriteNeverFails(t *testing.T) {
	b := NewStderrBuffer()
	for i := 0; i < 100; i++ {
		n, err := b.Write([]byte(strings.Repeat("y", 100)))
		require.NoError(t, err)
		assert.Equal(t, 100, n)
	}
}
