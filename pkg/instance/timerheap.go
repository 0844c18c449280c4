package instance

import "container/heap"

// timerKind distinguishes what a fired timer should do once popped.
type timerKind int

const (
	// timerJanitor drives runJanitor: announce retransmission, link
	// establishment/stale sweeps, path/link-table pruning and keepalive
	// emission all ride this one recurring tick.
	timerJanitor timerKind = iota
	// timerResourceWindow fires a sender's per-window retransmission
	// check for one in-flight resource transfer, keyed by link id.
	timerResourceWindow
)

// timerEntry is one scheduled wakeup, carrying just enough for the event
// loop to decide what to do when it fires; it deliberately carries no
// pointers into mutable state so it is cheap to throw away if the thing
// it referred to (a link, a resource transfer) is gone by the time it
// fires.
type timerEntry struct {
	deadline int64 // UnixNano, so comparisons don't need time.Time
	seq      uint64
	kind     timerKind
	key      string // e.g. a link id, hex-encoded
	index    int    // heap.Interface bookkeeping
}

// timerHeap is a min-heap of timerEntry ordered by deadline, grounded on
// the same container/heap pattern pkg/announce's readyHeap uses for its
// propagation queue, generalised here to carry a handful of distinct
// timer kinds instead of one.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerHeap is the event loop's single timer queue: every deadline in the
// system (announce retries, link establishment/stale sweeps, resource
// window timeouts, housekeeping) goes through it so the loop only ever
// needs one "when do I next wake up" computation.
type TimerHeap struct {
	h       timerHeap
	nextSeq uint64
}

// NewTimerHeap creates an empty timer heap.
func NewTimerHeap() *TimerHeap {
	return &TimerHeap{}
}

// Schedule adds a timer for deadlineNano, returning nothing the caller
// needs to keep: timers are fired by kind/key, and a stale fire (e.g. a
// link that closed before its sweep timer came due) is simply a no-op
// when the loop re-checks the underlying state.
func (t *TimerHeap) Schedule(deadlineNano int64, kind timerKind, key string) {
	e := &timerEntry{deadline: deadlineNano, seq: t.nextSeq, kind: kind, key: key}
	t.nextSeq++
	heap.Push(&t.h, e)
}

// Peek returns the next deadline without removing it, and false if the
// heap is empty.
func (t *TimerHeap) Peek() (deadlineNano int64, ok bool) {
	if len(t.h) == 0 {
		return 0, false
	}
	return t.h[0].deadline, true
}

// PopDue removes and returns every timer with deadline <= nowNano.
func (t *TimerHeap) PopDue(nowNano int64) []timerEntry {
	var due []timerEntry
	for len(t.h) > 0 && t.h[0].deadline <= nowNano {
		e := heap.Pop(&t.h).(*timerEntry)
		due = append(due, *e)
	}
	return due
}

// Len reports how many timers are still pending.
func (t *TimerHeap) Len() int { return len(t.h) }
