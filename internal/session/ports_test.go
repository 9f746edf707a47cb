package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/conduithq/conduit/internal/common/errors"
)

func TestPortPoolAllocatesLowestFree(t *testing.T) {
	p := NewPortPool(17000, 17002)

	port, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17000, port)

	port, err = p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17001, port)
}

func TestPortPoolExhaustionIsConflict(t *testing.T) {
	p := NewPortPool(17000, 17001)
	_, err := p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestPortPoolReleaseAllowsReuse(t *testing.T) {
	p := NewPortPool(17000, 17000)
	port, err := p.Allocate()
	require.NoError(t, err)

	p.Release(port)
	again, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestPortPoolReleaseUnallocatedIsNoop(t *testing.T) {
	p := NewPortPool(17000, 17001)
	p.Release(17500)
	assert.Empty(t, p.Allocated())
}

func TestPortPoolReserve(t *testing.T) {
	p := NewPortPool(17000, 17002)

	assert.True(t, p.Reserve(17001))
	assert.False(t, p.Reserve(17001))
	assert.False(t, p.Reserve(16000))

	// The reserved port is skipped by allocation.
	port, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17000, port)
	port, err = p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 17002, port)
}
