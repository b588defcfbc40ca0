package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeUniqueAndIncreasing(t *testing.T) {
	n, err := NewNode(7)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10000; i++ {
		id := n.Next()
		require.Greater(t, id, last)
		last = id
	}

	_, node, _ := Parse(last)
	assert.Equal(t, int64(7), node)
}

func TestNodeConcurrent(t *testing.T) {
	n, err := NewNode(3)
	require.NoError(t, err)

	const workers, per = 8, 2000
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*per)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, n.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.Error(t, err)
	_, err = NewNode(MaxNodeID + 1)
	assert.Error(t, err)
}

func TestSetNodeIDFallback(t *testing.T) {
	defer SetNodeID(1)

	SetNodeID(42)
	assert.Equal(t, int64(42), NodeID())
	_, node, _ := Parse(Generate())
	assert.Equal(t, int64(42), node)

	SetNodeID(5000)
	assert.Equal(t, int64(1), NodeID())
	assert.NotEmpty(t, GenerateString())
}
