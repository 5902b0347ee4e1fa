package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/queue"
	"github.com/iliyamo/slot-booking/internal/repository"
	"github.com/iliyamo/slot-booking/internal/txn"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	StaleAfter time.Duration
	Publish    bool
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Settle stuck transactions and sagas once",
		Long: `Run one recovery sweep over persisted transaction state.

Transactions that never reached COMMITTING are aborted.  Transactions stuck
in COMMITTING and sagas stuck in RUNNING or COMPENSATING are marked FAILED
and flagged for reconciliation, and an alert is raised for each.

Exit codes:
  0 - Sweep completed
  1 - Some items could not be settled
  2 - Command error (configuration, connection)

Examples:
  bookingctl recover
  bookingctl recover --stale-after 10m --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 0, "age after which unfinished work is settled (default TXN_STALE_AFTER)")
	cmd.Flags().BoolVar(&opts.Publish, "publish", true, "publish alerts to the broker as well as the log")

	return cmd
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
	env, err := opts.open()
	if err != nil {
		return err
	}
	defer env.Close()

	cfg := config.LoadTxnConfig()
	if opts.StaleAfter > 0 {
		cfg.StaleAfter = opts.StaleAfter
	}
	var alerter txn.Alerter = txn.LogAlerter{Log: env.Log}
	if opts.Publish && env.Config.AMQPURL != "" {
		alerter = txn.FallbackAlerter{Primary: queue.NewPublisher(env.Config.AMQPURL, env.Log), Fallback: alerter}
	}

	rep, err := txn.NewRecovery(repository.NewTxnStateRepo(env.DB), alerter, cfg, env.Log).Sweep(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "recovery sweep failed", err)
	}

	err = opts.formatter(cmd).success(rep, func(w io.Writer) {
		fmt.Fprintf(w, "aborted:        %d %s\n", len(rep.Aborted), strings.Join(rep.Aborted, " "))
		fmt.Fprintf(w, "failed commits: %d %s\n", len(rep.FailedCommits), strings.Join(rep.FailedCommits, " "))
		fmt.Fprintf(w, "failed sagas:   %d %s\n", len(rep.FailedSagas), strings.Join(rep.FailedSagas, " "))
		fmt.Fprintf(w, "errors:         %d\n", rep.Errors)
	})
	if err != nil {
		return err
	}
	if rep.Errors > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d items could not be settled", rep.Errors))
	}
	return nil
}
