package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/utils"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret   string
	TenantID string
	UserID   uint64
	Role     string
	TTL      time.Duration
}

type tokenOutput struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for the booking API",
		Example: `  bookingctl token --tenant acme --user 42
  bookingctl token --tenant acme --user 1 --role ops --ttl 15m`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (default JWT_SECRET)")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", "", "tenant_id claim (required)")
	cmd.Flags().Uint64Var(&opts.UserID, "user", 0, "subject user ID (required)")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role claim, e.g. ops")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	secret := opts.Secret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return NewExitError(ExitCommandError, "no signing secret: pass --secret or set JWT_SECRET")
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}

	tok, err := utils.NewAccessToken(secret, utils.Identity{TenantID: opts.TenantID, UserID: opts.UserID, Role: opts.Role}, opts.TTL)
	if errors.Is(err, utils.ErrIdentityRequired) {
		return WrapExitError(ExitCommandError, "invalid identity", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign token", err)
	}
	return opts.formatter(cmd).success(tokenOutput{Token: tok.Token, ExpiresAt: tok.Exp}, func(w io.Writer) {
		fmt.Fprintln(w, tok.Token)
	})
}
