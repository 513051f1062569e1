package mangle

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, cfg Config, schema string) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := engine.LoadSchemaString(schema); err != nil {
		t.Fatalf("LoadSchemaString() error = %v", err)
	}
	return engine
}

func TestNewEngineRejectsNegativeLimit(t *testing.T) {
	if _, err := NewEngine(Config{FactLimit: -1}); err == nil {
		t.Fatal("NewEngine() expected error for negative fact limit")
	}
}

func TestEngineAddAndGetFacts(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl person(Name, Age).`)

	facts := []Fact{
		{Predicate: "person", Args: []interface{}{"alice", int64(30)}},
		{Predicate: "person", Args: []interface{}{"bob", int64(25)}},
	}
	if err := engine.AddFacts(facts); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}

	got, err := engine.GetFacts("person")
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetFacts() returned %d facts, want 2", len(got))
	}
	for _, f := range got {
		name, ok := f.Args[0].(string)
		if !ok {
			t.Fatalf("arg 0 = %T, want string (identifiers must not become names)", f.Args[0])
		}
		if name != "alice" && name != "bob" {
			t.Errorf("unexpected name %q", name)
		}
		if _, ok := f.Args[1].(int64); !ok {
			t.Errorf("arg 1 = %T, want int64", f.Args[1])
		}
	}
	if engine.GetStats().TotalFacts != 2 {
		t.Errorf("TotalFacts = %d, want 2", engine.GetStats().TotalFacts)
	}
}

func TestEngineRejectsUndeclaredAndWrongArity(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl item(Name).`)

	if err := addFact(engine, "missing", "x"); err == nil {
		t.Error("addFact() on undeclared predicate should fail")
	}
	if err := addFact(engine, "item", "a", "b"); err == nil {
		t.Error("addFact() with wrong arity should fail")
	}
	if err := addFact(engine, "item", struct{}{}); err == nil {
		t.Error("addFact() with unsupported type should fail")
	}
}

func TestEngineBoolAndNameRoundTrip(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl flag(ID, On, Kind).`)

	if err := addFact(engine, "flag", "f1", true, Name("/coding")); err != nil {
		t.Fatalf("addFact() error = %v", err)
	}
	got, err := engine.GetFacts("flag")
	if err != nil {
		t.Fatalf("GetFacts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetFacts() returned %d facts, want 1", len(got))
	}
	if on, _ := got[0].Args[1].(bool); !on {
		t.Errorf("arg 1 = %v, want true", got[0].Args[1])
	}
	if kind, _ := got[0].Args[2].(Name); kind != "/coding" {
		t.Errorf("arg 2 = %v, want /coding", got[0].Args[2])
	}
}

func TestEngineRemoveFact(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl skill(User, Name, Level).`)

	fact := Fact{Predicate: "skill", Args: []interface{}{"alice", "coding", int64(3)}}
	if err := engine.AddFacts([]Fact{fact}); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}

	removed, err := engine.RemoveFact(fact)
	if err != nil || !removed {
		t.Fatalf("RemoveFact() = %v, %v; want true, nil", removed, err)
	}
	removed, err = engine.RemoveFact(fact)
	if err != nil || removed {
		t.Fatalf("second RemoveFact() = %v, %v; want false, nil", removed, err)
	}
	if engine.GetStats().TotalFacts != 0 {
		t.Errorf("TotalFacts = %d, want 0", engine.GetStats().TotalFacts)
	}
}

func TestEngineFactLimit(t *testing.T) {
	engine := newTestEngine(t, Config{FactLimit: 2}, `Decl item(Name).`)

	if err := engine.AddFacts([]Fact{
		{Predicate: "item", Args: []interface{}{"a"}},
		{Predicate: "item", Args: []interface{}{"b"}},
	}); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}
	err := addFact(engine, "item", "c")
	if !errors.Is(err, ErrFactLimit) {
		t.Fatalf("addFact() error = %v, want ErrFactLimit", err)
	}
}

func TestEngineQuery(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl person(Name, Age) descr [mode("-", "-")].`)

	if err := engine.AddFacts([]Fact{
		{Predicate: "person", Args: []interface{}{"alice", int64(30)}},
		{Predicate: "person", Args: []interface{}{"bob", int64(25)}},
	}); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := engine.Query(ctx, "person(X, Y)")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result.Bindings) != 2 {
		t.Errorf("Query() returned %d bindings, want 2", len(result.Bindings))
	}
	for _, row := range result.Bindings {
		if _, ok := row["X"]; !ok {
			t.Errorf("binding %v missing X", row)
		}
	}
}

func TestEngineQueryErrors(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl person(Name, Age).`)
	ctx := context.Background()

	if _, err := engine.Query(ctx, ""); err == nil {
		t.Error("Query(\"\") should fail")
	}
	if _, err := engine.Query(ctx, "unknown(X)"); err == nil {
		t.Error("Query() on undeclared predicate should fail")
	}
}

func TestEngineClear(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl data(Value).`)
	_ = addFact(engine, "data", "test")

	engine.Clear()

	facts, _ := engine.GetFacts("data")
	if len(facts) != 0 {
		t.Errorf("GetFacts() after Clear() returned %d facts, want 0", len(facts))
	}
	if err := addFact(engine, "data", "again"); err != nil {
		t.Errorf("addFact() after Clear() error = %v", err)
	}
}

func TestEngineStatsAndPredicates(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), "Decl a(X).\nDecl b(X).")
	_ = addFact(engine, "a", "1")
	_ = addFact(engine, "a", "2")
	_ = addFact(engine, "b", "1")

	stats := engine.GetStats()
	if stats.TotalFacts != 3 {
		t.Errorf("TotalFacts = %d, want 3", stats.TotalFacts)
	}
	if stats.PredicateCounts["a"] != 2 {
		t.Errorf("PredicateCounts[a] = %d, want 2", stats.PredicateCounts["a"])
	}

	seen := map[string]bool{}
	for _, p := range engine.Predicates() {
		seen[p] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("Predicates() = %v, want a and b", engine.Predicates())
	}
}

func TestFactString(t *testing.T) {
	tests := []struct {
		name string
		fact Fact
		want string
	}{
		{
			name: "string args",
			fact: Fact{Predicate: "test", Args: []interface{}{"hello", "world"}},
			want: `test("hello", "world").`,
		},
		{
			name: "int args",
			fact: Fact{Predicate: "num", Args: []interface{}{int64(42)}},
			want: `num(42).`,
		},
		{
			name: "name constant",
			fact: Fact{Predicate: "status", Args: []interface{}{Name("/active")}},
			want: `status(/active).`,
		},
		{
			name: "slash string stays a string",
			fact: Fact{Predicate: "path", Args: []interface{}{"/active"}},
			want: `path("/active").`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fact.String(); got != tt.want {
				t.Errorf("Fact.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineQueryConstantsAndRepeatedVariables(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig(), `Decl edge(From, To) descr [mode("-", "-")].`)
	if err := engine.AddFacts([]Fact{
		{Predicate: "edge", Args: []interface{}{"a", "b"}},
		{Predicate: "edge", Args: []interface{}{"a", "c"}},
		{Predicate: "edge", Args: []interface{}{"c", "c"}},
	}); err != nil {
		t.Fatalf("AddFacts() error = %v", err)
	}
	ctx := context.Background()

	result, err := engine.Query(ctx, `edge("a", To)`)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result.Bindings) != 2 {
		t.Fatalf("Query(edge(\"a\", To)) returned %d bindings, want 2", len(result.Bindings))
	}
	for _, row := range result.Bindings {
		if _, ok := row["From"]; ok {
			t.Errorf("constant position leaked into binding %v", row)
		}
	}

	result, err = engine.Query(ctx, `edge(X, X)`)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result.Bindings) != 1 || result.Bindings[0]["X"] != "c" {
		t.Errorf("Query(edge(X, X)) = %v, want one row with X=c", result.Bindings)
	}

	result, err = engine.Query(ctx, `edge(_, _)`)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result.Bindings) != 3 {
		t.Errorf("Query(edge(_, _)) returned %d rows, want 3", len(result.Bindings))
	}
}

func addFact(e *Engine, predicate string, args ...interface{}) error {
	return e.AddFacts([]Fact{{Predicate: predicate, Args: args}})
}
