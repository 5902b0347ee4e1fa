package config

import (
    "strings"
    "time"
)

// LockConfig controls the distributed lock manager.
type LockConfig struct {
    Prefix          string        // key namespace, e.g. "lock"
    DefaultTTL      time.Duration // TTL when AcquireOptions.TTL is zero
    DefaultTimeout  time.Duration // overall wait bound when AcquireOptions.Timeout is zero
    RetryInterval   time.Duration // poll interval while queued
    BackoffBase     time.Duration // first retry delay for non-waiting acquisition
    BackoffMax      time.Duration // retry delay cap
    SweepInterval   time.Duration // stale-lock reaper period
    MaxRetries      int           // default retry bound for non-waiting acquisition
}

func LoadLockConfig() LockConfig {
    cfg := LockConfig{
        Prefix:         envStr("LOCK_PREFIX", "lock"),
        DefaultTTL:     envDur("LOCK_TTL", 30*time.Second),
        DefaultTimeout: envDur("LOCK_TIMEOUT", 5*time.Second),
        RetryInterval:  envDur("LOCK_RETRY_INTERVAL", 100*time.Millisecond),
        BackoffBase:    envDur("LOCK_BACKOFF_BASE", 50*time.Millisecond),
        BackoffMax:     envDur("LOCK_BACKOFF_MAX", time.Second),
        SweepInterval:  envDur("LOCK_SWEEP_INTERVAL", 10*time.Second),
        MaxRetries:     envInt("LOCK_MAX_RETRIES", 3),
    }
    if cfg.DefaultTTL <= 0 { cfg.DefaultTTL = 30 * time.Second }
    if cfg.RetryInterval <= 0 { cfg.RetryInterval = 100 * time.Millisecond }
    if cfg.BackoffBase <= 0 { cfg.BackoffBase = 50 * time.Millisecond }
    if cfg.BackoffMax < cfg.BackoffBase { cfg.BackoffMax = cfg.BackoffBase }
    if cfg.MaxRetries < 0 { cfg.MaxRetries = 0 }
    return cfg
}

// IdempotencyConfig controls the idempotency coordinator.
type IdempotencyConfig struct {
    Store            string        // "redis" or "mysql"
    Prefix           string        // Redis key namespace
    DefaultTTL       time.Duration // record lifetime
    MaxRetries       int           // retry budget for FAILED records
    MaxResponseBytes int           // larger responses are rejected, not cached
    PollInterval     time.Duration // WaitForCompletion poll period
    WaitTimeout      time.Duration // default bound for WaitForCompletion
    SweepInterval    time.Duration // expiry sweep period
}

func LoadIdempotencyConfig() IdempotencyConfig {
    cfg := IdempotencyConfig{
        Store:            strings.ToLower(envStr("IDEMPOTENCY_STORE", "redis")),
        Prefix:           envStr("IDEMPOTENCY_PREFIX", "idem"),
        DefaultTTL:       envDur("IDEMPOTENCY_TTL", 24*time.Hour),
        MaxRetries:       envInt("IDEMPOTENCY_MAX_RETRIES", 3),
        MaxResponseBytes: envInt("IDEMPOTENCY_MAX_RESPONSE_BYTES", 64*1024),
        PollInterval:     envDur("IDEMPOTENCY_POLL_INTERVAL", 100*time.Millisecond),
        WaitTimeout:      envDur("IDEMPOTENCY_WAIT_TIMEOUT", 10*time.Second),
        SweepInterval:    envDur("IDEMPOTENCY_SWEEP_INTERVAL", time.Minute),
    }
    if cfg.PollInterval <= 0 { cfg.PollInterval = 100 * time.Millisecond }
    if cfg.MaxResponseBytes <= 0 { cfg.MaxResponseBytes = 64 * 1024 }
    return cfg
}

// TxnConfig controls the 2PC coordinator, the saga orchestrator and the
// recovery sweep.
type TxnConfig struct {
    ParticipantTimeout time.Duration // bound on each prepare/commit/abort call
    StepTimeout        time.Duration // default bound on saga execute/compensate
    AbortRetries       int           // attempts per participant abort callback
    StepRetries        int           // re-executions allowed for retryable saga steps
    TransactionTTL     time.Duration // expires_at offset for persisted contexts
    StaleAfter         time.Duration // recovery threshold for stuck transactions/sagas
    RecoveryInterval   time.Duration // recovery sweep period
    CacheTTL           time.Duration // Redis write-through cache lifetime
    CachePrefix        string        // Redis key namespace
}

func LoadTxnConfig() TxnConfig {
    cfg := TxnConfig{
        ParticipantTimeout: envDur("TXN_PARTICIPANT_TIMEOUT", 5*time.Second),
        StepTimeout:        envDur("TXN_STEP_TIMEOUT", 10*time.Second),
        AbortRetries:       envInt("TXN_ABORT_RETRIES", 3),
        StepRetries:        envInt("TXN_STEP_RETRIES", 2),
        TransactionTTL:     envDur("TXN_TTL", 10*time.Minute),
        StaleAfter:         envDur("TXN_STALE_AFTER", 2*time.Minute),
        RecoveryInterval:   envDur("TXN_RECOVERY_INTERVAL", 30*time.Second),
        CacheTTL:           envDur("TXN_CACHE_TTL", time.Hour),
        CachePrefix:        envStr("TXN_CACHE_PREFIX", "txn"),
    }
    if cfg.AbortRetries < 1 { cfg.AbortRetries = 1 }
    if cfg.StepRetries < 0 { cfg.StepRetries = 0 }
    // A live coordinator persists at least once per participant call and per
    // saga step, retries included; recovery must wait out the longest gap.
    if floor := 2 * max(cfg.ParticipantTimeout, time.Duration(1+cfg.StepRetries)*cfg.StepTimeout); cfg.StaleAfter < floor {
        cfg.StaleAfter = floor
    }
    return cfg
}

// ReservationConfig controls the slot reservation engine.
type ReservationConfig struct {
    DefaultGranularityMin int // granularity used when a request omits it
    AlternativesLimit     int // max alternative start times offered on conflict
    AlternativesWindow    time.Duration // search window around the requested start
}

func LoadReservationConfig() ReservationConfig {
    cfg := ReservationConfig{
        DefaultGranularityMin: envInt("RESERVATION_GRANULARITY_MIN", 15),
        AlternativesLimit:     envInt("RESERVATION_ALTERNATIVES_LIMIT", 5),
        AlternativesWindow:    envDur("RESERVATION_ALTERNATIVES_WINDOW", 4*time.Hour),
    }
    if cfg.DefaultGranularityMin < 1 { cfg.DefaultGranularityMin = 15 }
    return cfg
}

// BookingConfig controls the booking orchestrator.
type BookingConfig struct {
    LockTTL        time.Duration // TTL of the slot-grid lock held while booking
    LockWait       time.Duration // how long a request queues for a contended window
    PublishTimeout time.Duration // bound on each booking event publish
}

func LoadBookingConfig() BookingConfig {
    cfg := BookingConfig{
        LockTTL:        envDur("BOOKING_LOCK_TTL", 15*time.Second),
        LockWait:       envDur("BOOKING_LOCK_WAIT", 3*time.Second),
        PublishTimeout: envDur("BOOKING_PUBLISH_TIMEOUT", 2*time.Second),
    }
    if cfg.LockTTL <= 0 { cfg.LockTTL = 15 * time.Second }
    return cfg
}
