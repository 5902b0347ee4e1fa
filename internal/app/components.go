// Package app wires the booking core together for the HTTP server and the
// operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/slot-booking/internal/booking"
	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/idempotency"
	"github.com/iliyamo/slot-booking/internal/lock"
	"github.com/iliyamo/slot-booking/internal/logger"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/reservation"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// ErrRedisUnavailable is returned when Redis cannot be reached.  Slot
// locks live in Redis, so the server does not start without it.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Settings collects the per-component configuration.
type Settings struct {
	Lock        config.LockConfig
	Idempotency config.IdempotencyConfig
	Txn         config.TxnConfig
	Reservation config.ReservationConfig
	Booking     config.BookingConfig
	RateLimit   config.RateLimitConfig
	Cache       config.CacheConfig
}

func LoadSettings() Settings {
	return Settings{
		Lock:        config.LoadLockConfig(),
		Idempotency: config.LoadIdempotencyConfig(),
		Txn:         config.LoadTxnConfig(),
		Reservation: config.LoadReservationConfig(),
		Booking:     config.LoadBookingConfig(),
		RateLimit:   config.LoadRateLimitConfig(),
		Cache:       config.LoadCacheConfig(),
	}
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg config.Config, service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: service,
	})
}

// Open connects to MySQL and Redis.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, *redis.Client, error) {
	db, err := database.Open(ctx, database.OptionsFrom(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return db, rdb, nil
}

// Components is the fully wired booking core.
type Components struct {
	Settings Settings
	Log      *logger.Logger

	DB    *sql.DB
	Redis *redis.Client

	Slots    *repository.TimeSlotRepo
	Bookings *repository.BookingRepo
	TxnState *repository.TxnStateRepo

	Engine       *reservation.Engine
	Locks        *lock.Manager
	Idempotency  *idempotency.Coordinator
	Transactions *txn.Coordinator
	Sagas        *txn.SagaOrchestrator
	Recovery     *txn.Recovery
	Publisher    *queue.Publisher
	Orchestrator *booking.Orchestrator
}

// Wire builds every component over db and rdb.  Nothing is started.
func Wire(cfg config.Config, s Settings, db *sql.DB, rdb *redis.Client, log *logger.Logger) *Components {
	log = logger.OrNop(log)
	c := &Components{
		Settings: s,
		Log:      log,
		DB:       db,
		Redis:    rdb,
		Slots:    repository.NewTimeSlotRepo(db),
		Bookings: repository.NewBookingRepo(db),
		TxnState: repository.NewTxnStateRepo(db),
	}

	c.Engine = reservation.NewEngine(reservation.NewSQLStore(c.Slots, c.Bookings), log)
	c.Locks = lock.NewManager(rdb, s.Lock, log)

	var idemStore idempotency.Store
	if s.Idempotency.Store == "mysql" {
		idemStore = repository.NewIdempotencyRepo(db)
	} else {
		idemStore = idempotency.NewRedisStore(rdb, s.Idempotency.Prefix)
	}
	c.Idempotency = idempotency.NewCoordinator(idemStore, s.Idempotency, log)

	c.Publisher = queue.NewPublisher(cfg.AMQPURL, log)
	alerter := txn.FallbackAlerter{Primary: c.Publisher, Fallback: txn.LogAlerter{Log: log}}
	state := txn.NewCachedStateStore(c.TxnState, rdb, s.Txn.CachePrefix, s.Txn.CacheTTL, log)

	c.Transactions = txn.NewCoordinator(state, alerter, s.Txn, log)
	c.Sagas = txn.NewSagaOrchestrator(state, alerter, s.Txn, log)
	c.Recovery = txn.NewRecovery(state, alerter, s.Txn, log)

	c.Orchestrator = booking.NewOrchestrator(booking.Deps{
		Slots:       c.Engine,
		Locks:       c.Locks,
		Idempotency: c.Idempotency,
		Sagas:       c.Sagas,
		Committer:   c.Transactions,
		Events:      c.Publisher,
	}, s.Booking, s.Reservation, log)
	return c
}

// Start launches the lock reaper, the idempotency expiry sweep and the
// transaction recovery loop.
func (c *Components) Start(ctx context.Context) {
	c.Locks.Start(ctx)
	c.Idempotency.Start(ctx)
	c.Recovery.Start(ctx)
}

// Stop halts the background loops.
func (c *Components) Stop() {
	c.Recovery.Stop()
	c.Idempotency.Stop()
	c.Locks.Stop()
}

// Close stops the loops and closes the connections.
func (c *Components) Close() {
	c.Stop()
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Log.Warn("close redis", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Log.Warn("close mysql", "error", err)
		}
	}
}
