package database

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/slot-booking/internal/config"
)

// Options describes the MySQL pool.
type Options struct {
	User, Password string
	Host, Port     string
	Name           string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// OptionsFrom takes the connection settings from cfg with the default pool.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		User:            cfg.DBUser,
		Password:        cfg.DBPass,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		MaxOpenConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// DSN renders o for the driver.  Times are parsed and stored in UTC, and
// transactions run at READ COMMITTED so SKIP LOCKED scans see rows that
// other bookings committed after this transaction began.
func (o Options) DSN() string {
	c := mysql.NewConfig()
	c.User = o.User
	c.Passwd = o.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(o.Host, o.Port)
	c.DBName = o.Name
	c.ParseTime = true
	c.Loc = time.UTC
	c.Collation = "utf8mb4_unicode_ci"
	c.Params = map[string]string{"transaction_isolation": "'READ-COMMITTED'"}
	return c.FormatDSN()
}

// Open connects to MySQL and pings it before returning.
func Open(ctx context.Context, o Options) (*sql.DB, error) {
	db, err := sql.Open("mysql", o.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxOpenConns)
	db.SetConnMaxLifetime(o.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
