package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_StrictlyIncreasing(t *testing.T) {
	req := require.New(t)
	g := NewGenerator(7)

	prev := g.Next()
	for i := 0; i < 20000; i++ {
		id := g.Next()
		req.Greater(id, prev)
		req.Equal(int64(7), (id>>12)&0x3FF)
		prev = id
	}
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := NewGenerator(1)
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
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
}

func TestNewGenerator_ClampsNodeID(t *testing.T) {
	require.Equal(t, int64(1), NewGenerator(5000).nodeID)
}
