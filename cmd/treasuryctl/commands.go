package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alliance-treasury/alliance_treasury/internal/app"
	"github.com/alliance-treasury/alliance_treasury/internal/config"
	"github.com/alliance-treasury/alliance_treasury/internal/ledger"
	"github.com/alliance-treasury/alliance_treasury/internal/logging"
	"github.com/alliance-treasury/alliance_treasury/internal/middleware"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "treasuryctl",
		Short:         "Operate the alliance treasury: offshores, balances, limits and fulfillment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "error", "log level for service output")

	cmd.AddCommand(
		newOffshoresCmd(opts),
		newRefreshCmd(opts),
		newLimitsCmd(opts),
		newCoverCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// withApp loads configuration and runs fn against the wired services.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	_ = godotenv.Load(opts.envFile)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logging.New(opts.logLevel))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newOffshoresCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "offshores",
		Short: "List offshores in fulfillment order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				offshores, err := a.Registry.All(ctx, all)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PRIORITY\tNAME\tALLIANCE\tENABLED\tCAN WITHDRAW\tGUARDRAILS\tID")
				for _, o := range offshores {
					creds, err := a.Registry.Credentials(o)
					guardrails := make([]string, 0, len(o.Guardrails))
					for _, g := range o.Guardrails {
						guardrails = append(guardrails, g.Resource.String()+">="+g.MinimumAmount.String())
					}
					fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%t\t%s\t%s\n",
						o.Priority, o.Name, o.AllianceID, o.Enabled, err == nil && creds.CanMutate(), strings.Join(guardrails, " "), o.ID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled offshores")
	return cmd
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh cached balances of the main bank and every enabled offshore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				report := a.Refresher.Refresh(ctx, force)
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the cache")
	return cmd
}

func newLimitsCmd(opts *rootOptions) *cobra.Command {
	var nation int
	cmd := &cobra.Command{
		Use:   "limits --nation N resource=amount...",
		Short: "Preview the daily limit decision for a withdrawal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := parseResources(args)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				decision, err := a.Payouts.Limits(ctx, nation, resources)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), decision)
			})
		},
	}
	cmd.Flags().IntVar(&nation, "nation", 0, "nation id")
	_ = cmd.MarkFlagRequired("nation")
	return cmd
}

func newCoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cover <transaction-id>",
		Short: "Run offshore fulfillment for a pending transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				result, err := a.Payouts.Cover(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load(opts.envFile)
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := middleware.SignAdminToken(cfg.AdminJWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "treasuryctl", "token subject recorded as the acting admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// parseResources reads resource=amount pairs such as money=1000 coal=2.5.
func parseResources(args []string) (ledger.Ledger, error) {
	amounts := make(map[ledger.Resource]decimal.Decimal, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return ledger.Ledger{}, fmt.Errorf("expected resource=amount, got %q", arg)
		}
		r, err := ledger.ParseResource(strings.TrimSpace(name))
		if err != nil {
			return ledger.Ledger{}, err
		}
		v, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return ledger.Ledger{}, fmt.Errorf("invalid amount for %s: %w", name, err)
		}
		amounts[r] = v
	}
	return ledger.New(amounts), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
