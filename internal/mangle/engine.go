// Package mangle wraps the Google Mangle fact store and query engine.
// Facts are inserted as typed atoms against declared predicates; strings are
// always stored as string constants so values round-trip unchanged.
package mangle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"

	"nimo/internal/logging"
)

// Config holds Mangle engine configuration.
type Config struct {
	FactLimit    int           `yaml:"fact_limit" json:"fact_limit"`
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FactLimit:    100000,
		QueryTimeout: 30 * time.Second,
	}
}

// ErrFactLimit is returned when an insert would exceed Config.FactLimit.
var ErrFactLimit = errors.New("fact limit exceeded")

// Engine wraps the Google Mangle fact store behind a single RWMutex.
type Engine struct {
	config Config

	mu              sync.RWMutex
	store           factstore.ConcurrentFactStore
	baseStore       factstore.FactStoreWithRemove
	programInfo     *analysis.ProgramInfo
	queryContext    *mengine.QueryContext
	predicateIndex  map[string]ast.PredicateSym
	schemaFragments []parse.SourceUnit
	factCount       int
	factLimitWarned bool
}

// Name is a Mangle name constant such as /true. Plain strings are never
// promoted to names.
type Name string

// Fact represents a single ground atom.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
}

// String returns the Datalog representation of the fact.
func (f Fact) String() string {
	args := make([]string, 0, len(f.Args))
	for _, arg := range f.Args {
		switch v := arg.(type) {
		case Name:
			args = append(args, string(v))
		case string:
			args = append(args, fmt.Sprintf("%q", v))
		case int:
			args = append(args, fmt.Sprintf("%d", v))
		case int64:
			args = append(args, fmt.Sprintf("%d", v))
		case float64:
			args = append(args, fmt.Sprintf("%f", v))
		case bool:
			if v {
				args = append(args, "/true")
			} else {
				args = append(args, "/false")
			}
		default:
			args = append(args, fmt.Sprintf("%v", v))
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// QueryResult represents the result of a Mangle query.
type QueryResult struct {
	Bindings []map[string]interface{} `json:"bindings"`
	Duration time.Duration            `json:"duration"`
}

// Stats contains engine statistics.
type Stats struct {
	TotalFacts      int            `json:"total_facts"`
	PredicateCounts map[string]int `json:"predicate_counts"`
}

// NewEngine creates a new Mangle engine instance.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FactLimit < 0 {
		return nil, fmt.Errorf("fact limit must not be negative: %d", cfg.FactLimit)
	}
	baseStore := factstore.NewSimpleInMemoryStore()
	return &Engine{
		config:         cfg,
		baseStore:      baseStore,
		store:          factstore.NewConcurrentFactStore(baseStore),
		predicateIndex: make(map[string]ast.PredicateSym),
	}, nil
}

// LoadSchemaString parses Decl clauses and adds them to the program.
func (e *Engine) LoadSchemaString(schema string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.schemaFragments = append(e.schemaFragments, unit)
	if err := e.rebuildProgramLocked(); err != nil {
		e.schemaFragments = e.schemaFragments[:len(e.schemaFragments)-1]
		return fmt.Errorf("failed to analyze schema: %w", err)
	}
	logging.KernelDebug("schema loaded: %d predicates declared", len(e.predicateIndex))
	return nil
}

func (e *Engine) rebuildProgramLocked() error {
	var clauses []ast.Clause
	var decls []ast.Decl
	for _, fragment := range e.schemaFragments {
		clauses = append(clauses, fragment.Clauses...)
		decls = append(decls, fragment.Decls...)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return err
	}

	predicateIndex := make(map[string]ast.PredicateSym, len(programInfo.Decls))
	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(programInfo.Decls))
	for sym, decl := range programInfo.Decls {
		predicateIndex[sym.Symbol] = sym
		predToDecl[sym] = decl
	}

	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range programInfo.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}

	e.programInfo = programInfo
	e.predicateIndex = predicateIndex
	e.queryContext = &mengine.QueryContext{
		PredToRules: predToRules,
		PredToDecl:  predToDecl,
		Store:       e.store,
	}
	return nil
}

// AddFacts inserts multiple facts. Either all facts are accepted or none.
func (e *Engine) AddFacts(facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.programInfo == nil {
		return fmt.Errorf("no schemas loaded; call LoadSchemaString first")
	}

	atoms := make([]ast.Atom, 0, len(facts))
	for _, fact := range facts {
		atom, err := e.factToAtomLocked(fact)
		if err != nil {
			return err
		}
		atoms = append(atoms, atom)
	}
	if limit := e.config.FactLimit; limit > 0 && e.factCount+len(atoms) > limit {
		return fmt.Errorf("%w: %d", ErrFactLimit, limit)
	}

	for _, atom := range atoms {
		if e.store.Add(atom) {
			e.factCount++
		}
	}
	e.maybeWarnFactLimitLocked()
	return nil
}

// RemoveFact removes an exact fact. Reports whether it was present.
func (e *Engine) RemoveFact(fact Fact) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	atom, err := e.factToAtomLocked(fact)
	if err != nil {
		return false, err
	}
	if !e.baseStore.Remove(atom) {
		return false, nil
	}
	if e.factCount > 0 {
		e.factCount--
	}
	if e.config.FactLimit == 0 || float64(e.factCount) < float64(e.config.FactLimit)*0.7 {
		e.factLimitWarned = false
	}
	return true, nil
}

func (e *Engine) maybeWarnFactLimitLocked() {
	if e.config.FactLimit == 0 || e.factLimitWarned {
		return
	}
	utilization := float64(e.factCount) / float64(e.config.FactLimit)
	if utilization >= 0.85 {
		logging.Get(logging.CategoryKernel).Warn("fact store is %.1f%% of configured capacity (%d / %d)",
			utilization*100, e.factCount, e.config.FactLimit)
		e.factLimitWarned = true
	}
}

func (e *Engine) factToAtomLocked(fact Fact) (ast.Atom, error) {
	sym, ok := e.predicateIndex[fact.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared in schemas", fact.Predicate)
	}
	if len(fact.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", fact.Predicate, sym.Arity, len(fact.Args))
	}

	args := make([]ast.BaseTerm, len(fact.Args))
	for i, raw := range fact.Args {
		term, err := convertValueToBaseTerm(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", fact.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

func convertValueToBaseTerm(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case Name:
		return ast.Name(string(v))
	case string:
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int32:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", v)
	}
}

// GetFacts retrieves all facts for a given predicate.
func (e *Engine) GetFacts(predicate string) ([]Fact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sym, ok := e.predicateIndex[predicate]
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var results []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = convertBaseTermToInterface(arg)
		}
		results = append(results, Fact{Predicate: predicate, Args: args})
		return nil
	})
	return results, err
}

// Predicates lists declared predicate names in sorted order.
func (e *Engine) Predicates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.predicateIndex))
	for name := range e.predicateIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query evaluates a single-atom query expressed in Mangle notation, e.g.
// `contribution(C, "alice", Cat, T, _)`. Named variables become result
// bindings; constants and repeated variables restrict the matches.
func (e *Engine) Query(ctx context.Context, query string) (*QueryResult, error) {
	shape, err := parseQueryShape(query)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	queryContext := e.queryContext
	if queryContext == nil {
		e.mu.RUnlock()
		return nil, fmt.Errorf("no schemas loaded; cannot execute query")
	}
	decl, ok := queryContext.PredToDecl[shape.atom.Predicate]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("predicate %s is not declared", shape.atom.Predicate.Symbol)
	}
	modes := decl.Modes()
	e.mu.RUnlock()
	if len(modes) == 0 {
		return nil, fmt.Errorf("predicate %s has no modes declared", shape.atom.Predicate.Symbol)
	}
	mode := modes[0]

	if _, ok := ctx.Deadline(); !ok {
		timeout := e.config.QueryTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resultChan := make(chan []map[string]interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		var results []map[string]interface{}
		err := queryContext.EvalQuery(shape.atom, mode, unionfind.New(), func(fact ast.Atom) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if !shape.accepts(fact) {
				return nil
			}
			row := make(map[string]interface{}, len(shape.variables))
			for _, binding := range shape.variables {
				if binding.Index < len(fact.Args) {
					row[binding.Name] = convertBaseTermToInterface(fact.Args[binding.Index])
				}
			}
			results = append(results, row)
			return nil
		})
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- results
	}()

	select {
	case results := <-resultChan:
		logging.KernelDebug("query %s returned %d rows", shape.atom.Predicate.Symbol, len(results))
		return &QueryResult{Bindings: results, Duration: time.Since(start)}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("query execution timed out after %v: %w", time.Since(start), ctx.Err())
	}
}

// GetStats returns overall statistics for the fact store.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[string]int)
	for _, sym := range e.store.ListPredicates() {
		n := 0
		_ = e.store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
			n++
			return nil
		})
		counts[sym.Symbol] = n
	}
	return Stats{TotalFacts: e.factCount, PredicateCounts: counts}
}

// Clear removes all facts from the store. Schemas stay loaded.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseStore = factstore.NewSimpleInMemoryStore()
	e.store = factstore.NewConcurrentFactStore(e.baseStore)
	e.factCount = 0
	e.factLimitWarned = false
	if e.queryContext != nil {
		e.queryContext.Store = e.store
	}
}

type queryVariable struct {
	Name  string
	Index int
}

// queryShape is a query atom in which every argument is a distinct
// variable. Constants from the original query become filters applied to
// each result, and wildcards become unnamed variables.
type queryShape struct {
	atom      ast.Atom
	variables []queryVariable
	filters   map[int]ast.Constant
	sameAs    map[int]int
}

func (q *queryShape) accepts(fact ast.Atom) bool {
	for idx, want := range q.filters {
		if idx >= len(fact.Args) || !want.Equals(fact.Args[idx]) {
			return false
		}
	}
	for idx, first := range q.sameAs {
		if !fact.Args[idx].Equals(fact.Args[first]) {
			return false
		}
	}
	return true
}

func parseQueryShape(query string) (*queryShape, error) {
	clean := strings.TrimSpace(query)
	clean = strings.TrimSpace(strings.TrimPrefix(clean, "?"))
	clean = strings.TrimSpace(strings.TrimSuffix(clean, "."))
	if clean == "" {
		return nil, fmt.Errorf("empty query")
	}

	atom, err := parse.Atom(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %q: %w", query, err)
	}

	shape := &queryShape{filters: make(map[int]ast.Constant), sameAs: make(map[int]int)}
	args := make([]ast.BaseTerm, len(atom.Args))
	seen := make(map[string]int)
	for idx, arg := range atom.Args {
		fresh := ast.Variable{Symbol: fmt.Sprintf("Q__%d", idx)}
		switch v := arg.(type) {
		case ast.Variable:
			if v.Symbol == "_" {
				args[idx] = fresh
				continue
			}
			if first, ok := seen[v.Symbol]; ok {
				shape.sameAs[idx] = first
				args[idx] = fresh
				continue
			}
			seen[v.Symbol] = idx
			args[idx] = v
			shape.variables = append(shape.variables, queryVariable{Name: v.Symbol, Index: idx})
		case ast.Constant:
			shape.filters[idx] = v
			args[idx] = fresh
		default:
			return nil, fmt.Errorf("unsupported query argument %v", arg)
		}
	}
	shape.atom = ast.Atom{Predicate: atom.Predicate, Args: args}
	return shape, nil
}

func convertBaseTermToInterface(term ast.BaseTerm) interface{} {
	switch v := term.(type) {
	case ast.Constant:
		return constantToInterface(v)
	case ast.Variable:
		return v.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}

func constantToInterface(constant ast.Constant) interface{} {
	switch constant.Type {
	case ast.StringType, ast.BytesType:
		return constant.Symbol
	case ast.NameType:
		switch constant.Symbol {
		case "/true":
			return true
		case "/false":
			return false
		}
		return Name(constant.Symbol)
	case ast.NumberType:
		return constant.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(constant.NumValue))
	default:
		return constant.String()
	}
}
