package lock

import (
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// waiter is a local caller queued behind a held lock key.
type waiter struct {
	ownerID  string             // owner that is waiting
	priority model.LockPriority // higher values are served first
	enqueued time.Time          // first time this caller queued; kept across re-queues
	key      string             // key whose queue the waiter currently sits in
	index    int                // heap position, -1 when not queued
	notifyCh chan struct{}      // signalled when the blocking key is released
}

func newWaiter(ownerID string, priority model.LockPriority, now time.Time) *waiter {
	return &waiter{
		ownerID:  ownerID,
		priority: priority,
		enqueued: now,
		index:    -1,
		notifyCh: make(chan struct{}, 1),
	}
}

// notify wakes the waiter without blocking.
func (w *waiter) notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

// waitQueue orders waiters by priority (higher first), then by enqueue
// time (earlier first).
type waitQueue []*waiter

func (wq waitQueue) Len() int { return len(wq) }

func (wq waitQueue) Less(i, j int) bool {
	if wq[i].priority != wq[j].priority {
		return wq[i].priority > wq[j].priority
	}
	return wq[i].enqueued.Before(wq[j].enqueued)
}

func (wq waitQueue) Swap(i, j int) {
	wq[i], wq[j] = wq[j], wq[i]
	wq[i].index = i
	wq[j].index = j
}

func (wq *waitQueue) Push(x any) {
	item := x.(*waiter)
	item.index = len(*wq)
	*wq = append(*wq, item)
}

func (wq *waitQueue) Pop() any {
	old := *wq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*wq = old[:n-1]
	return item
}

// head returns the waiter that will be served next, or nil.
func (wq waitQueue) head() *waiter {
	if len(wq) == 0 {
		return nil
	}
	return wq[0]
}
