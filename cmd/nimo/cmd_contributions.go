package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/system"
)

func newContributionCmd(a *app) *cobra.Command {
	contributionCmd := &cobra.Command{
		Use:     "contribution",
		Aliases: []string{"c"},
		Short:   "Record contributions, evidence and verifications",
	}

	addCmd := &cobra.Command{
		Use:     "add [contribution-id] [user-id] [category] [title...]",
		Short:   "Record a contribution",
		Example: `  nimo contribution add c1 alice coding "Parser rewrite"`,
		Args:    cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				if err := rt.Store.AddContribution(args[0], args[1], args[2], joinArgs(args[3:])); err != nil {
					return err
				}
				c, err := rt.Store.GetContribution(args[0])
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), c, fmt.Sprintf("contribution %s recorded for %s", c.ID, c.UserID))
			})
		},
	}

	evidenceCmd := &cobra.Command{
		Use:     "evidence [contribution-id] [type] [reference]",
		Short:   "Attach evidence to a contribution",
		Example: `  nimo contribution evidence c1 github https://github.com/org/repo/pull/7`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				if err := rt.Store.AddEvidence(args[0], args[1], args[2]); err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(),
					map[string]string{"contribution_id": args[0], "type": args[1], "reference": args[2]},
					fmt.Sprintf("evidence attached to %s", args[0]))
			})
		},
	}

	var verifierID string
	verifyCmd := &cobra.Command{
		Use:   "verify [contribution-id] [organization...]",
		Short: "Record an organization's verification of a contribution",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				v, err := rt.Store.AddVerification(args[0], joinArgs(args[1:]), verifierID)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), v, fmt.Sprintf("%s verified by %s", args[0], v.Organization))
			})
		},
	}
	verifyCmd.Flags().StringVar(&verifierID, "verifier", "", "Verifier id")

	showCmd := &cobra.Command{
		Use:   "show [contribution-id]",
		Short: "Show a contribution with its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				c, err := rt.Store.GetContribution(args[0])
				if err != nil {
					return err
				}
				var sb strings.Builder
				fmt.Fprintf(&sb, "contribution %s by %s [%s] %s", c.ID, c.UserID, c.Category, c.Title)
				for _, e := range c.Evidence {
					fmt.Fprintf(&sb, "\n  evidence %s: %s", e.Type, e.Reference)
				}
				for _, v := range c.Verifications {
					fmt.Fprintf(&sb, "\n  verified by %s", v.Organization)
				}
				return a.print(cmd.OutOrStdout(), c, sb.String())
			})
		},
	}

	contributionCmd.AddCommand(addCmd, evidenceCmd, verifyCmd, showCmd)
	return contributionCmd
}

func newContributionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "contributions [user-id]",
		Short: "List a user's contribution ids in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				ids := []string{}
				for id := range rt.Store.QueryUserContributions(args[0]) {
					ids = append(ids, id)
				}
				return a.print(cmd.OutOrStdout(), ids, strings.Join(ids, "\n"))
			})
		},
	}
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [contribution-id]",
		Short: "Validate a contribution and print its confidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				res, err := rt.Validator.ValidateContribution(rt.Store, args[0])
				if err != nil {
					return err
				}
				verdict := "invalid"
				if res.Valid {
					verdict = "valid"
				}
				text := fmt.Sprintf("%s: %s (confidence %.2f)", res.ContributionID, verdict, res.Confidence)
				for _, r := range res.Reasons {
					text += "\n  - " + r
				}
				return a.print(cmd.OutOrStdout(), res, text)
			})
		},
	}
}
