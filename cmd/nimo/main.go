package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"nimo/internal/config"
	"nimo/internal/logging"
	"nimo/internal/system"
)

// app carries global flags and the loaded configuration for one invocation.
type app struct {
	// Global flags
	configPath string
	statePath  string
	verbose    bool
	jsonOut    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "nimo",
		Short: "nimo - contribution validation and token awards",
		Long: `nimo keeps a fact store of users, skills, contributions and evidence,
validates contributions against it, and awards tokens at most once per
contribution.

Every command loads the state file, performs one operation, and saves the
state again if the operation changed it.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath(), "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&a.statePath, "state", "", "State file (overrides store.state_path)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newUserCmd(a),
		newContributionCmd(a),
		newContributionsCmd(a),
		newValidateCmd(a),
		newAwardCmd(a),
		newBalanceCmd(a),
		newCreditCmd(a),
		newDebitCmd(a),
		newSetBalanceCmd(a),
		newLedgerCmd(a),
		newPayoutCmd(a),
		newQueryCmd(a),
		newStatsCmd(a),
		newSnapshotCmd(a),
		newRestoreCmd(a),
		newSchemaCmd(a),
	)
	return rootCmd
}

func defaultConfigPath() string {
	return filepath.Join(".nimo", "config.yaml")
}

// setup loads configuration and initializes logging from it.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.statePath != "" {
		cfg.Store.StatePath = a.statePath
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	a.cfg = cfg

	if err := logging.Initialize(cfg.Logging.Options()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.BootDebug("Configuration loaded (config=%s state=%s backend=%s)",
		a.configPath, cfg.Store.StatePath, cfg.Store.Backend)
	return nil
}

// execute runs the command tree and flushes logging on every exit path,
// including failures.
func execute(cmd *cobra.Command) error {
	defer logging.CloseAll()
	err := cmd.Execute()
	if err != nil {
		logging.Get(logging.CategoryBoot).Error("%s failed: %v", cmd.Name(), err)
	}
	return err
}

// run wires a runtime, loads state, calls fn, and saves when mutates is set
// and fn succeeded.
func (a *app) run(cmd *cobra.Command, mutates bool, fn func(ctx context.Context, rt *system.Runtime) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := system.New(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := rt.Load(); err != nil {
		return err
	}
	if err := fn(ctx, rt); err != nil {
		return err
	}
	if !mutates {
		return nil
	}
	if err := rt.Save(); err != nil {
		return err
	}
	logging.StoreDebug("State saved to %s", a.cfg.Store.StatePath)
	return nil
}

// print writes v as JSON when --json is set, otherwise text.
func (a *app) print(w io.Writer, v interface{}, text string) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

func main() {
	if err := execute(newRootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
