package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/flightcover/pkg/access"
	"github.com/Mindburn-Labs/flightcover/pkg/api"
	"github.com/Mindburn-Labs/flightcover/pkg/config"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

const tokenIssuer = "flightcover"

// engineFlag falls back to the configured engine address.
func engineFlag(value string) (identity.Address, error) {
	if value != "" {
		return identity.ParseAddress(value)
	}
	cfg, err := config.Load()
	if err != nil {
		return identity.Address{}, err
	}
	return cfg.Engine()
}

func policyIDCmd() *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "policy-id <internal-id>",
		Short: "Print the policy id the engine assigns to an internal id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			internalID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid internal id %q: %w", args[0], err)
			}
			addr, err := engineFlag(engine)
			if err != nil {
				return err
			}
			id := policy.NewID(addr, internalID)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hex:     %s\n", id.String())
			fmt.Fprintf(out, "decimal: %s\n", id.Decimal())
			return nil
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "engine address (default: ENGINE_ADDRESS)")
	return cmd
}

func capabilityCmd() *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "capability <role>",
		Short: "Print the engine-scoped capability of a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := engineFlag(engine)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), access.CapabilityFor(addr, access.Role(args[0])).String())
			return nil
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "engine address (default: ENGINE_ADDRESS)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		account string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for an account, signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := mintToken(cfg, account, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account address the token authenticates (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func mintToken(cfg *config.Config, account string, ttl time.Duration) (string, error) {
	addr, err := identity.ParseAddress(account)
	if err != nil {
		return "", err
	}
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("JWT_SECRET is not set")
	}
	auth, err := api.NewAuthenticator([]byte(cfg.JWTSecret), tokenIssuer)
	if err != nil {
		return "", err
	}
	return auth.Issue(addr, ttl)
}
