package facts

import (
	"context"
	"fmt"
	"strings"

	"nimo/internal/logging"
	"nimo/internal/mangle"
)

// schema declares every predicate with a trailing Seq column. All modes are
// output-only so any predicate may be queried with free variables.
const schema = `
Decl user(UserID, DisplayName, Seq)
  descr [mode("-", "-", "-")].
Decl user_skill(UserID, Skill, Level, Seq)
  descr [mode("-", "-", "-", "-")].
Decl contribution(ContributionID, UserID, Category, Title, Seq)
  descr [mode("-", "-", "-", "-", "-")].
Decl evidence(ContributionID, Type, Reference, Seq)
  descr [mode("-", "-", "-", "-")].
Decl verification(ContributionID, Organization, VerifierID, Timestamp, Seq)
  descr [mode("-", "-", "-", "-", "-")].
Decl ledger_entry(EntryID, UserID, Amount, Direction, Description, Timestamp, Seq)
  descr [mode("-", "-", "-", "-", "-", "-", "-")].
Decl award_record(ContributionID, UserID, Amount, Timestamp, Seq)
  descr [mode("-", "-", "-", "-", "-")].
`

// Schema returns the Datalog declarations used by the Mangle backend.
func Schema() string { return strings.TrimSpace(schema) }

// MangleBackend stores facts in a Google Mangle fact store and answers
// Datalog queries against them.
type MangleBackend struct {
	cfg    mangle.Config
	engine *mangle.Engine
}

// NewMangleBackend creates an engine and loads the fact schema.
func NewMangleBackend(cfg mangle.Config) (*MangleBackend, error) {
	engine, err := mangle.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if err := engine.LoadSchemaString(schema); err != nil {
		return nil, fmt.Errorf("load fact schema: %w", err)
	}
	declared := make(map[string]bool)
	for _, name := range engine.Predicates() {
		declared[name] = true
	}
	for _, p := range predicateArity {
		if !declared[p.Name] {
			return nil, fmt.Errorf("load fact schema: predicate %s not declared", p.Name)
		}
	}
	return &MangleBackend{cfg: cfg, engine: engine}, nil
}

func (b *MangleBackend) Name() string { return "mangle" }

func (b *MangleBackend) Capabilities() Capabilities {
	caps := Capabilities{CapDatalog: true}
	if b.cfg.FactLimit > 0 {
		caps[CapFactLimit] = true
	}
	return caps
}

func toAtom(f Fact) mangle.Fact {
	args := make([]interface{}, 0, len(f.Args)+1)
	args = append(args, f.Args...)
	args = append(args, f.Seq)
	return mangle.Fact{Predicate: f.Predicate, Args: args}
}

func fromAtom(mf mangle.Fact) (Fact, error) {
	n := len(mf.Args)
	if n == 0 {
		return Fact{}, fmt.Errorf("predicate %s: atom has no sequence column", mf.Predicate)
	}
	seq, ok := mf.Args[n-1].(int64)
	if !ok {
		return Fact{}, fmt.Errorf("predicate %s: sequence column is %T", mf.Predicate, mf.Args[n-1])
	}
	return Fact{Seq: seq, Predicate: mf.Predicate, Args: mf.Args[:n-1]}, nil
}

func (b *MangleBackend) Assert(f Fact) error {
	if err := checkShape(f); err != nil {
		return err
	}
	atom := toAtom(f)
	logging.KernelDebug("assert %s", atom.String())
	return b.engine.AddFacts([]mangle.Fact{atom})
}

func (b *MangleBackend) Retract(f Fact) error {
	atom := toAtom(f)
	removed, err := b.engine.RemoveFact(atom)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("retract %s: fact not present", strings.TrimSuffix(atom.String(), "."))
	}
	return nil
}

func (b *MangleBackend) Match(predicate string, bound ...interface{}) ([]Fact, error) {
	raw, err := b.engine.GetFacts(predicate)
	if err != nil {
		return nil, err
	}
	out := make([]Fact, 0, len(raw))
	for _, mf := range raw {
		f, err := fromAtom(mf)
		if err != nil {
			return nil, err
		}
		if matches(f, bound) {
			out = append(out, f)
		}
	}
	sortBySeq(out)
	return out, nil
}

func (b *MangleBackend) All() ([]Fact, error) {
	var out []Fact
	for _, p := range predicateArity {
		fs, err := b.Match(p.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	sortBySeq(out)
	return out, nil
}

func (b *MangleBackend) Empty() (Backend, error) { return NewMangleBackend(b.cfg) }

func (b *MangleBackend) Reset() {
	dropped := b.engine.GetStats().TotalFacts
	b.engine.Clear()
	logging.Kernel("mangle fact store cleared (%d facts dropped)", dropped)
}

// DatalogQuery evaluates a single-atom query such as
// `contribution(C, "alice", Cat, T, _)` and returns one row per match.
func (b *MangleBackend) DatalogQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	result, err := b.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return result.Bindings, nil
}

// Stats reports the engine's fact counts per predicate.
func (b *MangleBackend) Stats() mangle.Stats { return b.engine.GetStats() }
