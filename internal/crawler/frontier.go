package crawler

import (
	"container/heap"
	"sync"
	"time"
)

// FrontierEntry is one pending URL. Entries are immutable once enqueued.
type FrontierEntry struct {
	URL        string
	Depth      int
	Priority   int
	EnqueuedAt time.Time

	seq uint64
}

// Frontier is a deduplicating priority queue of pending URLs. Entries come
// out by descending priority, then ascending depth, then insertion order.
// The seen-set records every URL ever enqueued, so a URL that was dequeued
// or is still in flight cannot be enqueued again.
type Frontier struct {
	mu    sync.Mutex
	queue entryHeap
	seen  map[string]struct{}
	seq   uint64
	now   func() time.Time
}

// NewFrontier builds an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		seen: make(map[string]struct{}),
		now:  time.Now,
	}
}

// Enqueue inserts url unless it was seen before and reports whether it did.
func (f *Frontier) Enqueue(url string, depth, priority int) bool {
	if url == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[url]; ok {
		return false
	}
	f.seen[url] = struct{}{}
	f.seq++
	heap.Push(&f.queue, FrontierEntry{
		URL:        url,
		Depth:      depth,
		Priority:   priority,
		EnqueuedAt: f.now(),
		seq:        f.seq,
	})
	return true
}

// Dequeue pops the next entry. The boolean is false when the queue is empty.
func (f *Frontier) Dequeue() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue.Len() == 0 {
		return FrontierEntry{}, false
	}
	entry, _ := heap.Pop(&f.queue).(FrontierEntry)
	return entry, true
}

// Size returns the number of pending entries.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// IsEmpty reports whether no entries are pending.
func (f *Frontier) IsEmpty() bool {
	return f.Size() == 0
}

// HasSeen reports whether url was ever enqueued.
func (f *Frontier) HasSeen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[url]
	return ok
}

// SeenCount returns the size of the seen-set.
func (f *Frontier) SeenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type entryHeap []FrontierEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	entry, _ := x.(FrontierEntry)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
