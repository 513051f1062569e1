// Package nimo is the public surface of the fact store, validation engine,
// reward calculator and award orchestrator for callers outside this module
// (web handlers, payout services). It re-exports internal types; it adds no
// behavior of its own beyond Open.
package nimo

import (
	"nimo/internal/award"
	"nimo/internal/config"
	"nimo/internal/facts"
	"nimo/internal/reward"
	"nimo/internal/system"
	"nimo/internal/validation"
)

// Fact store
type (
	Store        = facts.Store
	Tx           = facts.Tx
	Backend      = facts.Backend
	User         = facts.User
	Contribution = facts.Contribution
	Evidence     = facts.Evidence
	Verification = facts.Verification
	LedgerEntry  = facts.LedgerEntry
	AwardRecord  = facts.AwardRecord
	Stats        = facts.Stats
)

var (
	NewStore         = facts.NewStore
	NewMemoryBackend = facts.NewMemoryBackend
	NewMangleBackend = facts.NewMangleBackend
	WithClock        = facts.WithClock
	WithIDGenerator  = facts.WithIDGenerator
)

// Errors
var (
	ErrNotFound            = facts.ErrNotFound
	ErrDuplicateID         = facts.ErrDuplicateID
	ErrInsufficientBalance = facts.ErrInsufficientBalance
	ErrInvalidAmount       = facts.ErrInvalidAmount
	ErrInvalidArgument     = facts.ErrInvalidArgument
	ErrPersistence         = facts.ErrPersistence
	ErrUnsupported         = facts.ErrUnsupported
)

type (
	NotFoundError            = facts.NotFoundError
	DuplicateIDError         = facts.DuplicateIDError
	InsufficientBalanceError = facts.InsufficientBalanceError
	PersistenceError         = facts.PersistenceError
)

// Validation, rewards and awards
type (
	Validator        = validation.Engine
	ValidationResult = validation.Result
	Calculator       = reward.Calculator
	Calculation      = reward.Calculation
	PayoutPolicy     = reward.PayoutPolicy
	Orchestrator     = award.Orchestrator
	Outcome          = award.Outcome
)

// Configuration and runtime
type (
	Config  = config.Config
	Runtime = system.Runtime
)

var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)

// Open wires a runtime from cfg and loads its state file. Callers own the
// returned runtime and must Close it; Save persists changes.
func Open(cfg *Config) (*Runtime, error) {
	rt, err := system.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Load(); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
