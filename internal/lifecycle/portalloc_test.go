package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortAllocatorAllocatesDistinctPairs(t *testing.T) {
	alloc := NewPortAllocator(2222, 2229, 8000, 8007)

	a, err := alloc.Allocate("agent-a")
	require.NoError(t, err)
	require.NotEqual(t, a.SSHPort, a.InternalHTTP)

	b, err := alloc.Allocate("agent-b")
	require.NoError(t, err)
	require.NotEqual(t, a.SSHPort, b.SSHPort)
	require.NotEqual(t, a.InternalHTTP, b.InternalHTTP)
}

func TestPortAllocatorReleaseFreesPorts(t *testing.T) {
	alloc := NewPortAllocator(2222, 2222, 8000, 8000)

	a, err := alloc.Allocate("agent-a")
	require.NoError(t, err)

	_, err = alloc.Allocate("agent-b")
	require.Error(t, err, "range exhausted before release")

	alloc.Release(a)
	_, err = alloc.Allocate("agent-b")
	require.NoError(t, err)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	alloc := NewPortAllocator(2222, 2222, 8000, 8000)
	_, err := alloc.Allocate("agent-a")
	require.NoError(t, err)
	_, err = alloc.Allocate("agent-b")
	require.Error(t, err)
}

func TestPortAllocatorDistinctBands(t *testing.T) {
	alloc := NewPortAllocator(2222, 2229, 8000, 8007)
	ports, err := alloc.Allocate("agent-a")
	require.NoError(t, err)
	require.True(t, ports.SSHPort >= 2222 && ports.SSHPort <= 2229)
	require.True(t, ports.InternalHTTP >= 8000 && ports.InternalHTTP <= 8007)
}
