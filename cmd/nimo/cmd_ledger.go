package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/facts"
	"nimo/internal/system"
)

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Print a user's token balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				bal, err := rt.Store.QueryTokenBalance(args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(),
					map[string]interface{}{"user_id": args[0], "balance": bal},
					strconv.FormatInt(bal, 10))
			})
		},
	}
}

func newTransferCmd(a *app, use, short string, apply func(*facts.Store, string, int64, string) (facts.LedgerEntry, error)) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   use + " [user-id] [amount]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				entry, err := apply(rt.Store, args[0], amount, description)
				if err != nil {
					return err
				}
				bal, err := rt.Store.QueryTokenBalance(args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), entry,
					fmt.Sprintf("%s %d for %s (balance %d)", entry.Direction, entry.Amount, entry.UserID, bal))
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "manual "+use, "Ledger entry description")
	return cmd
}

func newCreditCmd(a *app) *cobra.Command {
	return newTransferCmd(a, "credit", "Credit tokens to a user", (*facts.Store).Credit)
}

func newDebitCmd(a *app) *cobra.Command {
	return newTransferCmd(a, "debit", "Debit tokens from a user", (*facts.Store).Debit)
}

func newSetBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-balance [user-id] [amount]",
		Short: "Set a user's balance through one adjusting ledger entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				if err := rt.Store.SetTokenBalance(args[0], amount); err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(),
					map[string]interface{}{"user_id": args[0], "balance": amount},
					fmt.Sprintf("balance of %s set to %d", args[0], amount))
			})
		},
	}
}

func newLedgerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger [user-id]",
		Short: "Print a user's ledger entries in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				entries, err := rt.Store.Ledger(args[0])
				if err != nil {
					return err
				}
				var sb strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&sb, "%s\t%+d\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Delta(), e.Description)
				}
				return a.print(cmd.OutOrStdout(), entries, strings.TrimSuffix(sb.String(), "\n"))
			})
		},
	}
}
