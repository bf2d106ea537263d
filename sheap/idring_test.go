package sheap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sheapguard/sheapguard/sheap"
)

func TestIDRingWrapsAround(t *testing.T) {
	heap, _, _ := newTestHeap(t, 1024, func(config *sheap.Config) {
		config.PCLogSize = 2
	})

	p1 := heap.Allocate(16, 1)
	p2 := heap.Allocate(16, 2)
	p3 := heap.Allocate(16, 3)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.NotNil(t, p3)

	// capacity two: only the two newest ids survive
	ids := make([]uint32, 4)
	count := heap.LatestAllocationIDs(ids)
	require.Equal(t, 2, count)
	require.Equal(t, []uint32{3, 2}, ids[:count])
}

func TestIDRingEmpty(t *testing.T) {
	heap, _, _ := newTestHeap(t, 1024, nil)
	ids := make([]uint32, 4)
	require.Zero(t, heap.LatestAllocationIDs(ids))
}
