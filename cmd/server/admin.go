package main

import (
	"fmt"

	"github.com/aristath/vaultledger/internal/di"
	"github.com/aristath/vaultledger/internal/domain"
	"github.com/aristath/vaultledger/internal/modules/strategies"
	"github.com/aristath/vaultledger/pkg/fixedpoint"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagStrategyName string
	flagRiskScore    int
	flagCap          string
	flagCapBps       uint64
	flagRate         string
)

// newAdminCmd builds the offline administration commands. They act as the
// configured VAULT_ADMIN.
func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer a stopped ledger as the configured admin",
	}

	strategyAdd := &cobra.Command{
		Use:   "strategy-add <id>",
		Short: "Register a yield strategy",
		Args:  cobra.ExactArgs(1),
		RunE: asAdmin(func(cmd *cobra.Command, args []string, c *di.Container, log zerolog.Logger) error {
			decimals := int32(c.Config.Vault.AssetDecimals)
			capAbsolute, err := parseCapacity(flagCap, decimals)
			if err != nil {
				return err
			}
			rate, err := fixedpoint.ParseRatePercent(flagRate)
			if err != nil {
				return fmt.Errorf("invalid --rate: %w", err)
			}
			name := flagStrategyName
			if name == "" {
				name = args[0]
			}

			s, err := c.Ledger.RegisterStrategy(cmd.Context(), admin(c), strategies.Params{
				ID:          args[0],
				Name:        name,
				RiskScore:   flagRiskScore,
				CapAbsolute: capAbsolute,
				CapBps:      flagCapBps,
				RateWad:     rate,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("strategy", s.ID).
				Str("cap", fixedpoint.FormatUnits(s.CapAbsolute, decimals)).
				Str("rate_pct", fixedpoint.FormatRatePercent(s.RateWad)).
				Msg("Strategy registered")
			return nil
		}),
	}
	strategyAdd.Flags().StringVar(&flagStrategyName, "name", "", "display name (defaults to the id)")
	strategyAdd.Flags().IntVar(&flagRiskScore, "risk", 50, "risk score, lower is safer")
	strategyAdd.Flags().StringVar(&flagCap, "cap", "", "absolute capacity in asset units, must be positive")
	_ = strategyAdd.MarkFlagRequired("cap")
	strategyAdd.Flags().Uint64Var(&flagCapBps, "cap-bps", 0, "capacity as basis points of total invested, 0 for none")
	strategyAdd.Flags().StringVar(&flagRate, "rate", "0", "annual rate in percent")

	strategyDeprecate := &cobra.Command{
		Use:   "strategy-deprecate <id>",
		Short: "Stop new allocations to a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: asAdmin(func(cmd *cobra.Command, args []string, c *di.Container, log zerolog.Logger) error {
			if _, err := c.Ledger.DeprecateStrategy(cmd.Context(), admin(c), args[0]); err != nil {
				return err
			}
			log.Info().Str("strategy", args[0]).Msg("Strategy deprecated")
			return nil
		}),
	}

	grant := &cobra.Command{
		Use:   "grant <principal> <role>",
		Short: "Grant a role (admin, operator, merchant, rebalancer)",
		Args:  cobra.ExactArgs(2),
		RunE: asAdmin(func(cmd *cobra.Command, args []string, c *di.Container, log zerolog.Logger) error {
			if err := c.Ledger.GrantRole(cmd.Context(), admin(c), domain.Address(args[0]), domain.Role(args[1])); err != nil {
				return err
			}
			log.Info().Str("principal", args[0]).Str("role", args[1]).Msg("Role granted")
			return nil
		}),
	}

	revoke := &cobra.Command{
		Use:   "revoke <principal> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: asAdmin(func(cmd *cobra.Command, args []string, c *di.Container, log zerolog.Logger) error {
			if err := c.Ledger.RevokeRole(cmd.Context(), admin(c), domain.Address(args[0]), domain.Role(args[1])); err != nil {
				return err
			}
			log.Info().Str("principal", args[0]).Str("role", args[1]).Msg("Role revoked")
			return nil
		}),
	}

	pause := &cobra.Command{
		Use:   "pause",
		Short: "Halt deposits, releases and rebalancing",
		RunE: asAdmin(func(cmd *cobra.Command, _ []string, c *di.Container, log zerolog.Logger) error {
			if err := c.Ledger.Pause(cmd.Context(), admin(c)); err != nil {
				return err
			}
			log.Info().Msg("Ledger paused")
			return nil
		}),
	}

	unpause := &cobra.Command{
		Use:   "unpause",
		Short: "Resume normal operation",
		RunE: asAdmin(func(cmd *cobra.Command, _ []string, c *di.Container, log zerolog.Logger) error {
			if err := c.Ledger.Unpause(cmd.Context(), admin(c)); err != nil {
				return err
			}
			log.Info().Msg("Ledger resumed")
			return nil
		}),
	}

	adminCmd.AddCommand(strategyAdd, strategyDeprecate, grant, revoke, pause, unpause)
	return adminCmd
}

// parseCapacity parses --cap. A strategy with a zero absolute cap can never
// receive funds, so zero is rejected.
func parseCapacity(s string, decimals int32) (uint256.Int, error) {
	capAbsolute, err := fixedpoint.ParseUnits(s, decimals)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("invalid --cap: %w", err)
	}
	if capAbsolute.IsZero() {
		return uint256.Int{}, fmt.Errorf("invalid --cap: %w: capacity must be positive", domain.ErrInvalidCap)
	}
	return capAbsolute, nil
}

func admin(c *di.Container) domain.Address {
	return domain.Address(c.Config.Vault.Admin)
}

func asAdmin(fn func(cmd *cobra.Command, args []string, c *di.Container, log zerolog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), func(c *di.Container, log zerolog.Logger) error {
			return fn(cmd, args, c, log)
		})
	}
}
