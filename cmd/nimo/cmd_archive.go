package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"nimo/internal/facts"
	"nimo/internal/system"
)

func newSnapshotCmd(a *app) *cobra.Command {
	var (
		label string
		list  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Archive the current state, or list archived snapshots",
		Long: `Archives the current state document in the SQLite archive configured by
store.archive_path (or NIMO_ARCHIVE). An unchanged state is not archived twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, false, func(ctx context.Context, rt *system.Runtime) error {
				if list {
					if rt.Archive == nil {
						return fmt.Errorf("%w: no archive_path configured", facts.ErrUnsupported)
					}
					snaps, err := rt.Archive.List(ctx, limit)
					if err != nil {
						return err
					}
					lines := make([]string, 0, len(snaps))
					for _, s := range snaps {
						lines = append(lines, fmt.Sprintf("%s\t%s\t%d bytes\t%s",
							s.ID, s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), s.Size, s.Label))
					}
					return a.print(cmd.OutOrStdout(), snaps, strings.Join(lines, "\n"))
				}

				snap, err := rt.Snapshot(ctx, label)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), snap, fmt.Sprintf("snapshot %s (%d bytes)", snap.ID, snap.Size))
			})
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", "", "Snapshot label")
	cmd.Flags().BoolVar(&list, "list", false, "List snapshots, newest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum snapshots to list (0 = all)")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [snapshot-id]",
		Short: "Replace the state with an archived snapshot (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return a.run(cmd, true, func(ctx context.Context, rt *system.Runtime) error {
				snap, err := rt.Restore(ctx, id)
				if err != nil {
					return err
				}
				return a.print(cmd.OutOrStdout(), snap, fmt.Sprintf("restored snapshot %s", snap.ID))
			})
		},
	}
}
