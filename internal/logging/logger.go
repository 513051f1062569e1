// Package logging provides categorized structured logging for nimo.
// Each category is a named zap logger; until Initialize (or Use) is called
// every logger is a silent no-op so library code can log unconditionally.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Runtime wiring and startup
	CategoryConfig     Category = "config"     // Configuration loading
	CategoryStore      Category = "store"      // Fact store mutations and persistence
	CategoryKernel     Category = "kernel"     // Mangle engine operations
	CategoryValidation Category = "validation" // Contribution validation
	CategoryReward     Category = "reward"     // Token and payout calculation
	CategoryAward      Category = "award"      // Auto-award orchestration
	CategoryArchive    Category = "archive"    // SQLite snapshot archive
)

// AllCategories lists every category in declaration order.
func AllCategories() []Category {
	return []Category{
		CategoryBoot, CategoryConfig, CategoryStore, CategoryKernel,
		CategoryValidation, CategoryReward, CategoryAward, CategoryArchive,
	}
}

// Options configures the logging backend.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	File   string // empty writes to stderr

	// Categories switches individual categories off; unlisted categories
	// stay on.
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*Logger)
	logFile *os.File
	muted   = make(map[Category]bool)
)

// Initialize builds the zap backend from opts and replaces any previous one.
func Initialize(opts Options) error {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "text", "console":
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	var (
		sink zapcore.WriteSyncer
		file *os.File
	)
	if opts.File == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, level)
	install(zap.New(core), file)
	SetCategories(opts.Categories)
	Get(CategoryBoot).Debug("logging initialized (level=%s format=%s)", level, opts.Format)
	return nil
}

// Use installs an existing zap logger as the backend (CLI and tests).
func Use(l *zap.Logger) {
	install(l, nil)
}

// SetCategories mutes every category mapped to false. It applies to the
// currently installed backend and is cleared by the next Use or Initialize.
func SetCategories(categories map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	if muted == nil {
		muted = make(map[Category]bool)
	}
	for name, on := range categories {
		if !on {
			muted[Category(name)] = true
			delete(loggers, Category(name))
		}
	}
}

func install(l *zap.Logger, file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	base = l
	logFile = file
	loggers = make(map[Category]*Logger)
	muted = make(map[Category]bool)
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if strings.EqualFold(s, "warning") {
		return zapcore.WarnLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when no backend is installed.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	b := base
	off := muted[category]
	mu.RUnlock()

	if b == nil || off {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, sugar: b.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying additional key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes the backend. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// CloseAll flushes and detaches the backend, returning every logger to no-op.
func CloseAll() {
	install(nil, nil)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Kernel logs to the kernel category
func Kernel(format string, args ...interface{}) {
	Get(CategoryKernel).Info(format, args...)
}

// KernelDebug logs debug to the kernel category
func KernelDebug(format string, args ...interface{}) {
	Get(CategoryKernel).Debug(format, args...)
}

// ValidationDebug logs debug to the validation category
func ValidationDebug(format string, args ...interface{}) {
	Get(CategoryValidation).Debug(format, args...)
}

// RewardDebug logs debug to the reward category
func RewardDebug(format string, args ...interface{}) {
	Get(CategoryReward).Debug(format, args...)
}

// Award logs to the award category
func Award(format string, args ...interface{}) {
	Get(CategoryAward).Info(format, args...)
}

// AwardDebug logs debug to the award category
func AwardDebug(format string, args ...interface{}) {
	Get(CategoryAward).Debug(format, args...)
}

// Archive logs to the archive category
func Archive(format string, args ...interface{}) {
	Get(CategoryArchive).Info(format, args...)
}

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
