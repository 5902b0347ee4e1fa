package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/database"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the booking tables",
		Long: `Apply the schema to the database named by DB_* variables.

Every statement is CREATE TABLE IF NOT EXISTS, so running it again is safe.

Examples:
  bookingctl migrate
  bookingctl migrate --env-file ./prod.env --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	env, err := opts.open()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := database.Migrate(cmd.Context(), env.DB); err != nil {
		return WrapExitError(ExitFailure, "migration failed", err)
	}
	n := len(database.Statements())
	return opts.formatter(cmd).success(map[string]int{"statements": n}, func(w io.Writer) {
		fmt.Fprintf(w, "schema up to date (%d statements)\n", n)
	})
}
