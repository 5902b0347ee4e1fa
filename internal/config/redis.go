package config

import (
    "context"
    "crypto/tls"
    "fmt"
    "time"

    "github.com/redis/go-redis/v9"
)

// RedisConfig locates the Redis server that holds slot locks, idempotency
// records, the transaction state cache, rate-limit buckets and cached
// availability responses.
type RedisConfig struct {
    Addr        string
    Password    string
    DB          int
    TLS         bool
    PoolSize    int
    DialTimeout time.Duration
}

// LoadRedisConfig reads REDIS_ADDR, or REDIS_HOST and REDIS_PORT together,
// plus REDIS_PASSWORD, REDIS_DB, REDIS_TLS, REDIS_POOL_SIZE and
// REDIS_DIAL_TIMEOUT.
func LoadRedisConfig() RedisConfig {
    addr := getenv("REDIS_ADDR", "localhost:6379")
    if host, port := getenv("REDIS_HOST", ""), getenv("REDIS_PORT", ""); host != "" && port != "" {
        addr = host + ":" + port
    }
    return RedisConfig{
        Addr:        addr,
        Password:    getenv("REDIS_PASSWORD", ""),
        DB:          envInt("REDIS_DB", 0),
        TLS:         envBool("REDIS_TLS", false),
        PoolSize:    envInt("REDIS_POOL_SIZE", 0),
        DialTimeout: envDur("REDIS_DIAL_TIMEOUT", 2*time.Second),
    }
}

func (c RedisConfig) Options() *redis.Options {
    opts := &redis.Options{
        Addr:        c.Addr,
        Password:    c.Password,
        DB:          c.DB,
        PoolSize:    c.PoolSize,
        DialTimeout: c.DialTimeout,
    }
    if c.TLS {
        opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
    }
    return opts
}

// NewRedisClient connects and pings.  The client is closed again when the
// ping fails.
func NewRedisClient(ctx context.Context, c RedisConfig) (*redis.Client, error) {
    client := redis.NewClient(c.Options())
    pctx, cancel := context.WithTimeout(ctx, c.DialTimeout+time.Second)
    defer cancel()
    if err := client.Ping(pctx).Err(); err != nil {
        _ = client.Close()
        return nil, fmt.Errorf("ping redis at %s: %w", c.Addr, err)
    }
    return client, nil
}
