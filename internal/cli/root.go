// Package cli implements bookingctl, the operator tool for the booking
// core: schema migration, transaction recovery, state statistics, the
// alert consumer and token minting.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string

	connect func(opts *RootOptions) (*Env, error)
}

// Env is what database-backed commands run against.
type Env struct {
	Config config.Config
	DB     *sql.DB
	Log    *logger.Logger
}

func (e *Env) Close() {
	if e.DB != nil {
		_ = e.DB.Close()
	}
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the bookingctl root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{connect: connectEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookingctl",
		Short: "Operate the slot booking core",
		Long:  "bookingctl migrates the schema, settles stuck transactions and sagas, and drains operator alerts.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			config.LoadDotEnv(opts.EnvFile)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRecoverCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewAlertsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) open() (*Env, error) {
	env, err := o.connect(o)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	return env, nil
}

func (o *RootOptions) logger() *logger.Logger {
	level := logger.WARN
	if o.Verbose {
		level = logger.DEBUG
	}
	return logger.New(logger.Config{Level: level, Format: logger.TEXT, Output: os.Stderr, Service: "bookingctl"})
}

func (o *RootOptions) formatter(cmd *cobra.Command) formatter {
	return formatter{format: o.Format, out: cmd.OutOrStdout()}
}

// connectEnv reads the server's environment and opens MySQL.
func connectEnv(opts *RootOptions) (*Env, error) {
	cfg := config.Load()
	db, err := database.Open(context.Background(), database.OptionsFrom(cfg))
	if err != nil {
		return nil, err
	}
	return &Env{Config: cfg, DB: db, Log: opts.logger()}, nil
}
