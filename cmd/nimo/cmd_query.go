package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/facts"
	"nimo/internal/system"
)

func newQueryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "query [datalog query]",
		Short: "Run a Datalog query against the fact store",
		Long: `Runs a Datalog query against the fact store. Requires the mangle backend.
Every fact carries a trailing sequence column.

Example:
  nimo query 'contribution(C, "alice", Category, Title, Seq)'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				ctx, cancel := context.WithTimeout(ctx, a.cfg.GetQueryTimeout())
				defer cancel()

				rows, err := rt.Store.Query(ctx, joinArgs(args))
				if err != nil {
					return err
				}
				lines := make([]string, 0, len(rows))
				for _, row := range rows {
					keys := make([]string, 0, len(row))
					for k := range row {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					parts := make([]string, 0, len(keys))
					for _, k := range keys {
						parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
					}
					lines = append(lines, strings.Join(parts, " "))
				}
				if len(lines) == 0 {
					lines = append(lines, "no results")
				}
				return a.print(cmd.OutOrStdout(), rows, strings.Join(lines, "\n"))
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fact counts per predicate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				st, err := rt.Store.Stats()
				if err != nil {
					return err
				}
				kinds := make([]string, 0, len(st.ByKind))
				for k := range st.ByKind {
					kinds = append(kinds, k)
				}
				sort.Strings(kinds)
				var sb strings.Builder
				fmt.Fprintf(&sb, "backend: %s\nfacts: %d", st.Backend, st.Total)
				for _, k := range kinds {
					fmt.Fprintf(&sb, "\n  %s: %d", k, st.ByKind[k])
				}
				if st.Engine != nil {
					fmt.Fprintf(&sb, "\nengine facts: %d", st.Engine.TotalFacts)
				}
				return a.print(cmd.OutOrStdout(), st, sb.String())
			})
		},
	}
}

func newSchemaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the Datalog declarations available to query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(cmd.OutOrStdout(), map[string]string{"schema": facts.Schema()}, facts.Schema())
		},
	}
}
