package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/award"
	"nimo/internal/system"
)

func describeOutcome(out award.Outcome) string {
	switch {
	case out.AlreadyAwarded:
		return fmt.Sprintf("%s: already awarded %d (balance %d)", out.ContributionID, out.Amount, out.NewBalance)
	case out.Success:
		text := fmt.Sprintf("%s: awarded %d (balance %d)", out.ContributionID, out.Amount, out.NewBalance)
		if out.Payout != nil && out.Payout.PaysSecondaryAsset {
			text += fmt.Sprintf(", pays %s %s", out.Payout.FinalSecondaryAmount.String(), out.Payout.Asset)
		}
		return text
	default:
		return fmt.Sprintf("%s: not awarded: %s", out.ContributionID, out.Reason)
	}
}

func newAwardCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "award [user-id] [contribution-id]",
		Short: "Validate and award tokens for a contribution, at most once",
		Example: `  nimo award alice c1
  nimo award alice --all`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.ExactArgs(1)(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				if !all {
					out, err := rt.Awards.AutoAward(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return a.print(cmd.OutOrStdout(), out, describeOutcome(out))
				}

				outcomes, err := rt.Awards.AwardAll(ctx, args[0])
				if err != nil {
					return err
				}
				lines := make([]string, 0, len(outcomes))
				for _, out := range outcomes {
					lines = append(lines, describeOutcome(out))
				}
				return a.print(cmd.OutOrStdout(), outcomes, strings.Join(lines, "\n"))
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Award every contribution of the user")
	return cmd
}

func newPayoutCmd(a *app) *cobra.Command {
	var asset string
	cmd := &cobra.Command{
		Use:   "payout [nimo-amount] [confidence] [category]",
		Short: "Preview the secondary-asset payout for a token amount",
		Example: `  nimo payout 75 0.81 coding
  nimo payout 75 0.81 coding --asset ADA`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			confidence, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid confidence %q: %w", args[1], err)
			}
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				if asset == "" {
					asset = rt.Calculator.ActiveAsset()
				}
				calc, err := rt.Calculator.GetRewardCalculationFor(asset, tokens, confidence, args[2])
				if err != nil {
					return err
				}
				text := fmt.Sprintf("%d NIMO -> %s %s", calc.NimoAmount, calc.FinalSecondaryAmount.String(), calc.Asset)
				if !calc.PaysSecondaryAsset {
					text += " (below confidence threshold)"
				}
				return a.print(cmd.OutOrStdout(), calc, text)
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "Payout asset (default: payout.asset)")
	return cmd
}
