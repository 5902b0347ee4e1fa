package txn

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/iliyamo/slot-booking/internal/model"
)

// memStore is an in-memory StateStore that also records every saved
// status so tests can assert the path a transaction took.
type memStore struct {
	mu        sync.Mutex
	txs       map[string]model.DistributedTransactionContext
	sagas     map[string]model.SagaExecution
	txPath    map[string][]model.TxStatus
	sagaPath  map[string][]model.SagaStatus
	failSaves bool
}

func newMemStore() *memStore {
	return &memStore{
		txs:      make(map[string]model.DistributedTransactionContext),
		sagas:    make(map[string]model.SagaExecution),
		txPath:   make(map[string][]model.TxStatus),
		sagaPath: make(map[string][]model.SagaStatus),
	}
}

var errSaveDown = errors.New("state store down")

func (s *memStore) SaveTransaction(_ context.Context, t *model.DistributedTransactionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errSaveDown
	}
	if cur, ok := s.txs[t.TransactionID]; ok && cur.Status.Final() && cur.Status != t.Status {
		return model.ErrTxSettled
	}
	cp := *t
	cp.Participants = slices.Clone(t.Participants)
	s.txs[t.TransactionID] = cp
	s.txPath[t.TransactionID] = append(s.txPath[t.TransactionID], t.Status)
	return nil
}

func (s *memStore) GetTransaction(_ context.Context, id string) (*model.DistributedTransactionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, nil
	}
	t.Participants = slices.Clone(t.Participants)
	return &t, nil
}

func (s *memStore) ListStaleTransactions(_ context.Context, statuses []model.TxStatus, before time.Time) ([]*model.DistributedTransactionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DistributedTransactionContext
	for _, t := range s.txs {
		t := t
		if slices.Contains(statuses, t.Status) && t.UpdatedAt.Before(before) {
			t.Participants = slices.Clone(t.Participants)
			out = append(out, &t)
		}
	}
	return out, nil
}

func (s *memStore) SaveSaga(_ context.Context, e *model.SagaExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return errSaveDown
	}
	cp := *e
	cp.Steps = slices.Clone(e.Steps)
	cp.CompletedSteps = slices.Clone(e.CompletedSteps)
	s.sagas[e.SagaID] = cp
	s.sagaPath[e.SagaID] = append(s.sagaPath[e.SagaID], e.Status)
	return nil
}

func (s *memStore) GetSaga(_ context.Context, id string) (*model.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sagas[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) ListStaleSagas(_ context.Context, statuses []model.SagaStatus, before time.Time) ([]*model.SagaExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SagaExecution
	for _, e := range s.sagas {
		e := e
		if slices.Contains(statuses, e.Status) && e.UpdatedAt.Before(before) {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *memStore) path(id string) []model.TxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.txPath[id])
}

func (s *memStore) sagaStatuses(id string) []model.SagaStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sagaPath[id])
}

// alertSpy collects raised alerts.
type alertSpy struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *alertSpy) Alert(_ context.Context, al Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *alertSpy) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

// calls records callback invocations in order.
type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) record(name string) func(context.Context) error {
	return func(context.Context) error {
		c.add(name)
		return nil
	}
}

func (c *calls) fail(name string, err error) func(context.Context) error {
	return func(context.Context) error {
		c.add(name)
		return err
	}
}

func (c *calls) add(name string) {
	c.mu.Lock()
	c.log = append(c.log, name)
	c.mu.Unlock()
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.log)
}

func (c *calls) has(name string) bool {
	return slices.Contains(c.list(), name)
}
