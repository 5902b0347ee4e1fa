package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// memStore is an in-memory Store with row locks that honour skip-locked
// selection, used to exercise the engine under real concurrency.
type memStore struct {
	mu        sync.Mutex
	cond      *sync.Cond
	slots     map[uint64]*model.TimeSlot
	slotLocks map[uint64]int
	bookings  map[uint64]*model.Booking
	bookLocks map[uint64]int
	nextTx    int
	nextBook  uint64
}

func newMemStore() *memStore {
	s := &memStore{
		slots:     make(map[uint64]*model.TimeSlot),
		slotLocks: make(map[uint64]int),
		bookings:  make(map[uint64]*model.Booking),
		bookLocks: make(map[uint64]int),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// addRun creates n contiguous slots of g minutes starting at start and
// returns their IDs.
func (s *memStore) addRun(tenant string, resource uint64, start time.Time, g, n, capacity int) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		id := uint64(len(s.slots) + 1)
		at := start.Add(time.Duration(i*g) * time.Minute)
		s.slots[id] = &model.TimeSlot{
			ID: id, TenantID: tenant, ResourceID: resource,
			StartAt: at, EndAt: at.Add(time.Duration(g) * time.Minute), AvailableCapacity: capacity,
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) capacity(id uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id].AvailableCapacity
}

func (s *memStore) bookingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bookings)
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	s.nextTx++
	tx := &memTx{s: s, id: s.nextTx}
	s.mu.Unlock()

	err := fn(tx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	for id, owner := range s.slotLocks {
		if owner == tx.id {
			delete(s.slotLocks, id)
		}
	}
	for id, owner := range s.bookLocks {
		if owner == tx.id {
			delete(s.bookLocks, id)
		}
	}
	s.cond.Broadcast()
	return err
}

func (s *memStore) ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(tenantID, resourceID, from, to), nil
}

func (s *memStore) rangeLocked(tenantID string, resourceID uint64, from, to time.Time) []model.TimeSlot {
	out := make([]model.TimeSlot, 0)
	for _, sl := range s.slots {
		if sl.TenantID == tenantID && sl.ResourceID == resourceID && !sl.StartAt.Before(from) && sl.StartAt.Before(to) {
			out = append(out, *sl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

type memTx struct {
	s    *memStore
	id   int
	undo []func()
}

func (t *memTx) LockRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time, limit int) ([]model.TimeSlot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]model.TimeSlot, 0, limit)
	for _, sl := range t.s.rangeLocked(tenantID, resourceID, from, to) {
		if len(out) == limit {
			break
		}
		if owner, ok := t.s.slotLocks[sl.ID]; ok && owner != t.id {
			continue
		}
		t.s.slotLocks[sl.ID] = t.id
		out = append(out, sl)
	}
	return out, nil
}

func (t *memTx) ListRange(ctx context.Context, tenantID string, resourceID uint64, from, to time.Time) ([]model.TimeSlot, error) {
	return t.s.ListRange(ctx, tenantID, resourceID, from, to)
}

func (t *memTx) LockByIDs(ctx context.Context, ids []uint64) ([]model.TimeSlot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]model.TimeSlot, 0, len(ids))
	for _, id := range ids {
		for {
			owner, ok := t.s.slotLocks[id]
			if !ok || owner == t.id {
				break
			}
			t.s.cond.Wait()
		}
		t.s.slotLocks[id] = t.id
		if sl, ok := t.s.slots[id]; ok {
			out = append(out, *sl)
		}
	}
	return out, nil
}

func (t *memTx) DecrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		sl, ok := t.s.slots[id]
		if !ok || sl.AvailableCapacity < units {
			continue
		}
		sl.AvailableCapacity -= units
		t.undo = append(t.undo, func() { sl.AvailableCapacity += units })
		n++
	}
	return n, nil
}

func (t *memTx) IncrementCapacity(ctx context.Context, ids []uint64, units int) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		sl, ok := t.s.slots[id]
		if !ok {
			continue
		}
		sl.AvailableCapacity += units
		t.undo = append(t.undo, func() { sl.AvailableCapacity -= units })
		n++
	}
	return n, nil
}

func (t *memTx) CreateBooking(ctx context.Context, b *model.Booking) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.nextBook++
	b.ID = t.s.nextBook
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	cp.SlotIDs = append([]uint64(nil), b.SlotIDs...)
	t.s.bookings[b.ID] = &cp
	id := b.ID
	t.undo = append(t.undo, func() { delete(t.s.bookings, id) })
	return nil
}

func (t *memTx) GetBookingForUpdate(ctx context.Context, tenantID string, bookingID uint64) (*model.Booking, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for {
		owner, ok := t.s.bookLocks[bookingID]
		if !ok || owner == t.id {
			break
		}
		t.s.cond.Wait()
	}
	b, ok := t.s.bookings[bookingID]
	if !ok || b.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	t.s.bookLocks[bookingID] = t.id
	cp := *b
	cp.SlotIDs = append([]uint64(nil), b.SlotIDs...)
	return &cp, nil
}

func (t *memTx) UpdateBookingStatus(ctx context.Context, bookingID uint64, status string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	b, ok := t.s.bookings[bookingID]
	if !ok {
		return repository.ErrNotFound
	}
	prev := b.Status
	b.Status = status
	t.undo = append(t.undo, func() { b.Status = prev })
	return nil
}
