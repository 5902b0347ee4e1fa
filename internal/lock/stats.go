package lock

import "sync/atomic"

// Stats is a point-in-time copy of the manager's counters.
type Stats struct {
	Acquisitions    int64 `json:"acquisitions"`
	Releases        int64 `json:"releases"`
	Extensions      int64 `json:"extensions"`
	Timeouts        int64 `json:"timeouts"`
	Conflicts       int64 `json:"conflicts"`
	Deadlocks       int64 `json:"deadlocks"`
	StaleReaped     int64 `json:"stale_reaped"`
	Active          int64 `json:"active"`
	PeakConcurrency int64 `json:"peak_concurrency"`
	Waiting         int64 `json:"waiting"`
}

type counters struct {
	acquisitions atomic.Int64
	releases     atomic.Int64
	extensions   atomic.Int64
	timeouts     atomic.Int64
	conflicts    atomic.Int64
	deadlocks    atomic.Int64
	staleReaped  atomic.Int64
	active       atomic.Int64
	peak         atomic.Int64
	waiting      atomic.Int64
}

// held records one more active lock and raises the peak if needed.
func (c *counters) held() {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Acquisitions:    c.acquisitions.Load(),
		Releases:        c.releases.Load(),
		Extensions:      c.extensions.Load(),
		Timeouts:        c.timeouts.Load(),
		Conflicts:       c.conflicts.Load(),
		Deadlocks:       c.deadlocks.Load(),
		StaleReaped:     c.staleReaped.Load(),
		Active:          c.active.Load(),
		PeakConcurrency: c.peak.Load(),
		Waiting:         c.waiting.Load(),
	}
}
