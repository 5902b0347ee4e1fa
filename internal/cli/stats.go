package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/model"
	"github.com/iliyamo/slot-booking/internal/repository"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count persisted transactions by status",
		Example: `  bookingctl stats
  bookingctl stats --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	env, err := opts.open()
	if err != nil {
		return err
	}
	defer env.Close()

	counts, err := repository.NewTxnStateRepo(env.DB).CountByStatus(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count transactions", err)
	}
	return opts.formatter(cmd).success(counts, func(w io.Writer) {
		statuses := make([]model.TxStatus, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		slices.Sort(statuses)
		for _, s := range statuses {
			fmt.Fprintf(w, "%-12s %d\n", s, counts[s])
		}
		if len(statuses) == 0 {
			fmt.Fprintln(w, "no transactions")
		}
	})
}
