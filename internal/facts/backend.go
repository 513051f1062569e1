package facts

import (
	"context"
	"fmt"
	"sort"
)

// Predicates of the fact graph. Every fact additionally carries a store-wide
// sequence number that fixes insertion order.
const (
	PredUser         = "user"          // user(UserID, DisplayName)
	PredSkill        = "user_skill"    // user_skill(UserID, Skill, Level)
	PredContribution = "contribution"  // contribution(ContributionID, UserID, Category, Title)
	PredEvidence     = "evidence"      // evidence(ContributionID, Type, Reference)
	PredVerification = "verification"  // verification(ContributionID, Organization, VerifierID, Timestamp)
	PredLedger       = "ledger_entry"  // ledger_entry(EntryID, UserID, Amount, Direction, Description, Timestamp)
	PredAward        = "award_record"  // award_record(ContributionID, UserID, Amount, Timestamp)
)

// predicateArity lists every predicate with its arity, excluding Seq.
// Order is the canonical schema order.
var predicateArity = []struct {
	Name  string
	Arity int
}{
	{PredUser, 2},
	{PredSkill, 3},
	{PredContribution, 4},
	{PredEvidence, 3},
	{PredVerification, 4},
	{PredLedger, 6},
	{PredAward, 4},
}

func arityOf(predicate string) (int, bool) {
	for _, p := range predicateArity {
		if p.Name == predicate {
			return p.Arity, true
		}
	}
	return 0, false
}

// Fact is a ground fact. Args hold only string, int64 and bool values.
type Fact struct {
	Seq       int64
	Predicate string
	Args      []interface{}
}

func (f Fact) str(i int) string {
	s, _ := f.Args[i].(string)
	return s
}

func (f Fact) num(i int) int64 {
	n, _ := f.Args[i].(int64)
	return n
}

// Capability names an optional backend feature.
type Capability string

const (
	// CapDatalog means the backend implements DatalogQuerier.
	CapDatalog Capability = "datalog"
	// CapFactLimit means the backend enforces a maximum fact count.
	CapFactLimit Capability = "fact_limit"
)

// Capabilities is the set of features a backend advertises.
type Capabilities map[Capability]bool

// Has reports whether c is in the set.
func (c Capabilities) Has(capability Capability) bool { return c[capability] }

// Backend holds raw facts. Implementations are not safe for concurrent use;
// Store serializes all access.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Assert(f Fact) error
	Retract(f Fact) error
	// Match returns facts of predicate whose leading args equal bound
	// (nil entries match anything), ordered by Seq.
	Match(predicate string, bound ...interface{}) ([]Fact, error)
	// All returns every fact ordered by Seq.
	All() ([]Fact, error)
	// Empty returns a fresh backend of the same kind and configuration.
	Empty() (Backend, error)
	Reset()
}

// DatalogQuerier is implemented by backends advertising CapDatalog.
type DatalogQuerier interface {
	DatalogQuery(ctx context.Context, query string) ([]map[string]interface{}, error)
}

func checkShape(f Fact) error {
	arity, ok := arityOf(f.Predicate)
	if !ok {
		return fmt.Errorf("unknown predicate %q", f.Predicate)
	}
	if len(f.Args) != arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", f.Predicate, arity, len(f.Args))
	}
	return nil
}

func matches(f Fact, bound []interface{}) bool {
	for i, want := range bound {
		if want == nil {
			continue
		}
		if i >= len(f.Args) || f.Args[i] != want {
			return false
		}
	}
	return true
}

func sortBySeq(fs []Fact) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].Seq < fs[j].Seq })
}

// MemoryBackend keeps facts in per-predicate slices ordered by Seq.
type MemoryBackend struct {
	facts map[string][]Fact
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{facts: make(map[string][]Fact)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Capabilities() Capabilities { return Capabilities{} }

func (m *MemoryBackend) Assert(f Fact) error {
	if err := checkShape(f); err != nil {
		return err
	}
	list := m.facts[f.Predicate]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= f.Seq })
	if i < len(list) && list[i].Seq == f.Seq {
		return fmt.Errorf("sequence %d already used by %s", f.Seq, f.Predicate)
	}
	list = append(list, Fact{})
	copy(list[i+1:], list[i:])
	list[i] = Fact{Seq: f.Seq, Predicate: f.Predicate, Args: append([]interface{}(nil), f.Args...)}
	m.facts[f.Predicate] = list
	return nil
}

func (m *MemoryBackend) Retract(f Fact) error {
	list := m.facts[f.Predicate]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= f.Seq })
	if i == len(list) || list[i].Seq != f.Seq {
		return fmt.Errorf("retract %s seq %d: fact not present", f.Predicate, f.Seq)
	}
	m.facts[f.Predicate] = append(list[:i], list[i+1:]...)
	return nil
}

func (m *MemoryBackend) Match(predicate string, bound ...interface{}) ([]Fact, error) {
	if _, ok := arityOf(predicate); !ok {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}
	var out []Fact
	for _, f := range m.facts[predicate] {
		if matches(f, bound) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryBackend) All() ([]Fact, error) {
	var out []Fact
	for _, p := range predicateArity {
		out = append(out, m.facts[p.Name]...)
	}
	sortBySeq(out)
	return out, nil
}

func (m *MemoryBackend) Empty() (Backend, error) { return NewMemoryBackend(), nil }

func (m *MemoryBackend) Reset() { m.facts = make(map[string][]Fact) }
