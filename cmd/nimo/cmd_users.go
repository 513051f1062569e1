package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/system"
)

func newUserCmd(a *app) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and skills",
	}

	defineCmd := &cobra.Command{
		Use:   "define [user-id] [display name...]",
		Short: "Define a user (no-op if the user exists)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				u, err := rt.Store.DefineUser(args[0], joinArgs(args[1:]))
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), u, fmt.Sprintf("user %s (%s)", u.ID, u.DisplayName))
			})
		},
	}

	skillCmd := &cobra.Command{
		Use:     "skill [user-id] [skill] [level]",
		Short:   "Set a skill level for a user",
		Example: `  nimo user skill alice programming 4`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid level %q: %w", args[2], err)
			}
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				if err := rt.Store.AddSkill(args[0], args[1], level); err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(),
					map[string]interface{}{"user_id": args[0], "skill": args[1], "level": level},
					fmt.Sprintf("skill %s=%d set for %s", args[1], level, args[0]))
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a user with skills and balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				u, err := rt.Store.GetUser(args[0])
				if err != nil {
					return err
				}
				skills := make([]string, 0, len(u.Skills))
				for name, level := range u.Skills {
					skills = append(skills, fmt.Sprintf("%s=%d", name, level))
				}
				sort.Strings(skills)
				text := fmt.Sprintf("user %s (%s)\n  balance: %d\n  skills: %s",
					u.ID, u.DisplayName, u.Balance, strings.Join(skills, ", "))
				return a.print(cmd.OutOrStdout(), u, text)
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				users, err := rt.Store.Users()
				if err != nil {
					return err
				}
				var sb strings.Builder
				for _, u := range users {
					fmt.Fprintf(&sb, "%s\t%s\t%d\n", u.ID, u.DisplayName, u.Balance)
				}
				return a.print(cmd.OutOrStdout(), users, strings.TrimSuffix(sb.String(), "\n"))
			})
		},
	}

	userCmd.AddCommand(defineCmd, skillCmd, showCmd, listCmd)
	return userCmd
}
