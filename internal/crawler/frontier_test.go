package crawler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrontierRejectsDuplicates(t *testing.T) {
	t.Parallel()

	f := NewFrontier()
	require.True(t, f.Enqueue("https://example.com/a", 0, 0))
	require.False(t, f.Enqueue("https://example.com/a", 3, 9))
	require.Equal(t, 1, f.Size())
	require.True(t, f.HasSeen("https://example.com/a"))
	require.False(t, f.HasSeen("https://example.com/b"))
}

func TestFrontierNeverReenqueuesDequeued(t *testing.T) {
	t.Parallel()

	f := NewFrontier()
	require.True(t, f.Enqueue("https://example.com/a", 0, 0))
	entry, ok := f.Dequeue()
	require.True(t, ok)
	require.Equal(t, "https://example.com/a", entry.URL)
	require.False(t, f.Enqueue("https://example.com/a", 0, 0))
	require.True(t, f.IsEmpty())
}

func TestFrontierOrdering(t *testing.T) {
	t.Parallel()

	f := NewFrontier()
	f.Enqueue("d2-p0-first", 2, 0)
	f.Enqueue("d1-p0", 1, 0)
	f.Enqueue("d2-p0-second", 2, 0)
	f.Enqueue("d3-p5", 3, 5)
	f.Enqueue("d0-p0", 0, 0)

	var got []string
	for {
		entry, ok := f.Dequeue()
		if !ok {
			break
		}
		got = append(got, entry.URL)
	}
	require.Equal(t, []string{"d3-p5", "d0-p0", "d1-p0", "d2-p0-first", "d2-p0-second"}, got)
}

func TestFrontierDrains(t *testing.T) {
	t.Parallel()

	f := NewFrontier()
	for i := range 5 {
		require.True(t, f.Enqueue(fmt.Sprintf("https://example.com/%d", i), 0, 0))
		_, ok := f.Dequeue()
		require.True(t, ok)
	}
	_, ok := f.Dequeue()
	require.False(t, ok)
	require.True(t, f.IsEmpty())
	require.Equal(t, 5, f.SeenCount())
}

func TestFrontierConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	f := NewFrontier()
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if f.Enqueue(fmt.Sprintf("https://example.com/%d", i), 1, 0) {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, inserted)
	require.Equal(t, 50, f.Size())
}
