package txn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/model"
)

// StateStore persists transaction and saga state for recovery.
// repository.TxnStateRepo is the durable implementation.
type StateStore interface {
	SaveTransaction(ctx context.Context, t *model.DistributedTransactionContext) error
	GetTransaction(ctx context.Context, id string) (*model.DistributedTransactionContext, error)
	ListStaleTransactions(ctx context.Context, statuses []model.TxStatus, before time.Time) ([]*model.DistributedTransactionContext, error)
	SaveSaga(ctx context.Context, s *model.SagaExecution) error
	GetSaga(ctx context.Context, id string) (*model.SagaExecution, error)
	ListStaleSagas(ctx context.Context, statuses []model.SagaStatus, before time.Time) ([]*model.SagaExecution, error)
}

// CachedStateStore writes through to a durable StateStore and keeps a copy
// of each transaction and saga in Redis for fast lookups.  Cache failures
// are logged and never fail the call; listings always hit the durable
// store.
type CachedStateStore struct {
	StateStore
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

func NewCachedStateStore(inner StateStore, rdb redis.Cmdable, prefix string, ttl time.Duration, log *logger.Logger) *CachedStateStore {
	return &CachedStateStore{
		StateStore: inner,
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		log:        logger.OrNop(log).With("component", "txn-cache"),
	}
}

func (s *CachedStateStore) txKey(id string) string   { return fmt.Sprintf("%s:tx:%s", s.prefix, id) }
func (s *CachedStateStore) sagaKey(id string) string { return fmt.Sprintf("%s:saga:%s", s.prefix, id) }

func (s *CachedStateStore) SaveTransaction(ctx context.Context, t *model.DistributedTransactionContext) error {
	if err := s.StateStore.SaveTransaction(ctx, t); err != nil {
		if errors.Is(err, model.ErrTxSettled) {
			// The cached copy may predate whoever settled it.
			if derr := s.rdb.Del(ctx, s.txKey(t.TransactionID)).Err(); derr != nil {
				s.log.Warn("state cache evict failed", "transaction_id", t.TransactionID, "error", derr)
			}
		}
		return err
	}
	s.put(ctx, s.txKey(t.TransactionID), t)
	return nil
}

func (s *CachedStateStore) GetTransaction(ctx context.Context, id string) (*model.DistributedTransactionContext, error) {
	var t model.DistributedTransactionContext
	if s.get(ctx, s.txKey(id), &t) {
		return &t, nil
	}
	out, err := s.StateStore.GetTransaction(ctx, id)
	if err == nil && out != nil {
		s.put(ctx, s.txKey(id), out)
	}
	return out, err
}

func (s *CachedStateStore) SaveSaga(ctx context.Context, e *model.SagaExecution) error {
	if err := s.StateStore.SaveSaga(ctx, e); err != nil {
		return err
	}
	s.put(ctx, s.sagaKey(e.SagaID), e)
	return nil
}

func (s *CachedStateStore) GetSaga(ctx context.Context, id string) (*model.SagaExecution, error) {
	var e model.SagaExecution
	if s.get(ctx, s.sagaKey(id), &e) {
		return &e, nil
	}
	out, err := s.StateStore.GetSaga(ctx, id)
	if err == nil && out != nil {
		s.put(ctx, s.sagaKey(id), out)
	}
	return out, err
}

func (s *CachedStateStore) put(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		err = s.rdb.Set(ctx, key, b, s.ttl).Err()
	}
	if err != nil {
		s.log.Warn("state cache write failed", "key", key, "error", err)
	}
}

func (s *CachedStateStore) get(ctx context.Context, key string, v any) bool {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("state cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(b, v) == nil
}
