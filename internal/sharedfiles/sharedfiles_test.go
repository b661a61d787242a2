package sharedfiles_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"microvisor/internal/sharedfiles"
)

func TestContains(t *testing.T) {
	r := sharedfiles.New([]string{"a.txt", "b.txt"})
	require.True(t, r.Contains("a.txt"))
	require.True(t, r.Contains("b.txt"))
	require.False(t, r.Contains("c.txt"))
}

func TestEmptyRegistry(t *testing.T) {
	r := sharedfiles.New(nil)
	require.False(t, r.Contains("anything"))
}

func TestWithMaterializeLockSerializes(t *testing.T) {
	r := sharedfiles.New(nil)
	var mu sync.Mutex
	count := 0
	max := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.WithMaterializeLock(func() error {
				mu.Lock()
				count++
				if count > max {
					max = count
				}
				mu.Unlock()

				mu.Lock()
				count--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, max, "critical section must never run concurrently")
}
