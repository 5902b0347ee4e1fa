package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/queue"
)

// AlertsOptions holds flags for the alerts command.
type AlertsOptions struct {
	*RootOptions
	Dir       string
	BrokerURL string
}

// NewAlertsCommand creates the alerts command.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AlertsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Drain booking events and operator alerts into log files",
		Long: `Consume the booking.events and booking.alerts queues until interrupted.

Booking events are appended to booking.log and alerts to reconciliation.log
under --dir.  The consumer reconnects with backoff when the broker goes away.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "logs", "directory for booking.log and reconciliation.log")
	cmd.Flags().StringVar(&opts.BrokerURL, "broker-url", "", "RabbitMQ URL (default RABBITMQ_URL or AMQP_URL)")

	return cmd
}

func runAlerts(opts *AlertsOptions, cmd *cobra.Command) error {
	url := opts.BrokerURL
	if url == "" {
		url = config.BrokerURL()
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &queue.Consumer{URL: url, Dir: opts.Dir, Log: opts.logger()}
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "consumer stopped", err)
	}
	return nil
}
