// Package system wires configuration into a runnable fact store, validation
// engine, reward calculator and award orchestrator.
package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"nimo/internal/award"
	"nimo/internal/config"
	"nimo/internal/facts"
	"nimo/internal/logging"
	"nimo/internal/reward"
	"nimo/internal/store"
	"nimo/internal/validation"
)

// Runtime is a fully wired nimo instance. It owns the fact store.
type Runtime struct {
	Config     *config.Config
	Store      *facts.Store
	Validator  *validation.Engine
	Calculator *reward.Calculator
	Awards     *award.Orchestrator
	// Archive is nil when store.archive_path is empty.
	Archive *store.Archive
}

// Option customizes construction.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock sets the clock shared by the fact store and archive.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the id generator shared by the fact store and archive.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

// NewBackend builds the fact store backend named by cfg.
func NewBackend(cfg *config.Config) (facts.Backend, error) {
	switch cfg.Store.Backend {
	case "memory":
		return facts.NewMemoryBackend(), nil
	case "mangle", "":
		return facts.NewMangleBackend(cfg.MangleConfig())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// New validates cfg and wires every component. It does not load state.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "system.New")
	defer timer.Stop()

	o := options{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	fs := facts.NewStore(backend, facts.WithClock(o.now), facts.WithIDGenerator(o.newID))
	logging.Boot("Fact store ready (backend=%s)", fs.BackendName())

	validator, err := validation.NewEngine(cfg.Validation)
	if err != nil {
		return nil, fmt.Errorf("validation engine: %w", err)
	}
	calculator, err := reward.NewCalculator(cfg.Reward, cfg.Payout)
	if err != nil {
		return nil, fmt.Errorf("reward calculator: %w", err)
	}

	rt := &Runtime{
		Config:     cfg,
		Store:      fs,
		Validator:  validator,
		Calculator: calculator,
		Awards:     award.New(fs, validator, calculator),
	}

	if cfg.Store.ArchivePath != "" {
		rt.Archive, err = store.OpenArchive(cfg.Store.ArchivePath,
			store.WithClock(o.now), store.WithIDGenerator(o.newID))
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
	}

	logging.BootDebug("Runtime wired: payout asset %s, archive=%t", calculator.ActiveAsset(), rt.Archive != nil)
	return rt, nil
}

// Load reads the state file. A missing state file leaves the store empty.
func (r *Runtime) Load() error {
	path := r.Config.Store.StatePath
	err := r.Store.LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.BootDebug("No state at %s, starting empty", path)
		return nil
	}
	return err
}

// Save writes the state file.
func (r *Runtime) Save() error {
	return r.Store.SaveToFile(r.Config.Store.StatePath)
}

// Snapshot archives the current state. It fails with facts.ErrUnsupported
// when no archive is configured.
func (r *Runtime) Snapshot(ctx context.Context, label string) (store.Snapshot, error) {
	if r.Archive == nil {
		return store.Snapshot{}, fmt.Errorf("%w: no archive_path configured", facts.ErrUnsupported)
	}
	return r.Archive.PutStore(ctx, label, r.Store)
}

// Restore replaces the current state with an archived snapshot. An empty id
// restores the latest snapshot.
func (r *Runtime) Restore(ctx context.Context, id string) (store.Snapshot, error) {
	if r.Archive == nil {
		return store.Snapshot{}, fmt.Errorf("%w: no archive_path configured", facts.ErrUnsupported)
	}
	return r.Archive.Restore(ctx, id, r.Store)
}
