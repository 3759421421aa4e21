package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/flightcover/pkg/client"
	"github.com/Mindburn-Labs/flightcover/pkg/config"
)

func resolveDueCmd() *cobra.Command {
	var (
		server  string
		account string
		token   string
		asOf    string
	)
	cmd := &cobra.Command{
		Use:   "resolve-due",
		Short: "Trigger resolution of every active policy past its expected arrival",
		Long: `Asks a running server for the active policies whose expected arrival has
passed and triggers resolution for each of them. Run it from cron or any
other scheduler; triggers for policies that are pending or resolved are
no-ops on the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				if token, err = mintToken(cfg, account, 5*time.Minute); err != nil {
					return fmt.Errorf("need --token or --account with JWT_SECRET: %w", err)
				}
			}
			var when time.Time
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
				when = t
			}
			return resolveDue(cmd.Context(), client.New(server, client.WithToken(token)), when, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&account, "account", "", "resolver account to mint a token for")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (overrides --account)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC 3339 cutoff (default: server clock)")
	return cmd
}

// resolveDue triggers every due policy and keeps going past individual
// failures. It fails if any trigger failed.
func resolveDue(ctx context.Context, c *client.Client, asOf time.Time, out io.Writer) error {
	due, err := c.ListDue(ctx, asOf)
	if err != nil {
		return err
	}

	failed := 0
	for _, p := range due {
		outcome, err := c.Resolve(ctx, p.ID)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s FAILED %v\n", p.ID, p.Flight, err)
			continue
		}
		fmt.Fprintf(out, "%s %s %s\n", p.ID, p.Flight, outcome.Kind)
	}
	fmt.Fprintf(out, "%d due, %d failed\n", len(due), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d triggers failed", failed, len(due))
	}
	return nil
}
