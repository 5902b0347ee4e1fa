package reservation

import (
	"context"
	"sort"
	"time"

	"github.com/iliyamo/slot-booking/internal/apperror"
	"github.com/iliyamo/slot-booking/internal/model"
)

// AlternativesQuery asks for other start times that could satisfy a
// request which just hit a slot conflict.
type AlternativesQuery struct {
	Request ReserveRequest
	Window  time.Duration // search [start-Window, start+Window]
	Limit   int
}

// Alternative is a start time at which the request would currently fit.
type Alternative struct {
	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`
}

// FindAlternatives scans the slots around the requested start without
// locking and returns up to Limit start times, nearest first, where k
// contiguous slots all have the required capacity.  The answer is advisory:
// another request may take the slots before the caller retries.
func (e *Engine) FindAlternatives(ctx context.Context, q AlternativesQuery) ([]Alternative, error) {
	k, err := q.Request.SlotCount()
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 || q.Window <= 0 {
		return []Alternative{}, nil
	}
	want, _ := q.Request.Window(k)
	span := time.Duration(k*q.Request.GranularityMin) * time.Minute
	from := want.Add(-q.Window)
	if now := e.now().UTC(); from.Before(now) {
		from = now
	}
	slots, err := e.store.ListRange(ctx, q.Request.TenantID, q.Request.ResourceID, from, want.Add(q.Window+span))
	if err != nil {
		return nil, apperror.Storage("list slots", err)
	}

	out := make([]Alternative, 0, q.Limit)
	for i := 0; i+k <= len(slots); i++ {
		start := slots[i].StartAt
		if start.Equal(want) || start.After(want.Add(q.Window)) {
			continue
		}
		if fits(slots[i:i+k], q.Request.RequiredCapacity) {
			out = append(out, Alternative{StartAt: start, EndAt: slots[i+k-1].EndAt})
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return distance(out[a].StartAt, want) < distance(out[b].StartAt, want)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func fits(run []model.TimeSlot, units int) bool {
	for i, s := range run {
		if s.AvailableCapacity < units {
			return false
		}
		if i > 0 && !run[i-1].Contiguous(s) {
			return false
		}
	}
	return true
}

func distance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
