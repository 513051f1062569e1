package facts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimo/internal/mangle"
)

var baseTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// stepClock advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return baseTime.Add(time.Duration(n) * time.Second)
	}
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("entry-%d", n)
	}
}

func newBackend(t *testing.T, name string) Backend {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryBackend()
	case "mangle":
		b, err := NewMangleBackend(mangle.DefaultConfig())
		require.NoError(t, err)
		return b
	}
	t.Fatalf("unknown backend %q", name)
	return nil
}

func newTestStore(t *testing.T, backend string) *Store {
	t.Helper()
	return NewStore(newBackend(t, backend), WithClock(stepClock()), WithIDGenerator(seqIDs()))
}

// eachBackend runs fn once per backend implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, s *Store)) {
	for _, name := range []string{"memory", "mangle"} {
		t.Run(name, func(t *testing.T) {
			fn(t, newTestStore(t, name))
		})
	}
}

func seedAlice(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.DefineUser("alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, s.AddSkill("alice", "coding", 4))
	require.NoError(t, s.AddContribution("c1", "alice", "coding", "Parser"))
	require.NoError(t, s.AddEvidence("c1", "github", "https://github.com/a/b"))
}

func TestDefineUserIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		u, err := s.DefineUser("alice", "Alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.DisplayName)
		assert.Zero(t, u.Balance)

		_, err = s.Credit("alice", 10, "seed")
		require.NoError(t, err)

		again, err := s.DefineUser("alice", "Someone Else")
		require.NoError(t, err)
		assert.Equal(t, "Alice", again.DisplayName)
		assert.Equal(t, int64(10), again.Balance)

		_, err = s.DefineUser(" ", "blank")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestAddSkill(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		err := s.AddSkill("ghost", "coding", 1)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "user", nf.Kind)

		_, err = s.DefineUser("alice", "Alice")
		require.NoError(t, err)
		require.NoError(t, s.AddSkill("alice", "Coding", 2))
		require.NoError(t, s.AddSkill("alice", "coding", 4))
		require.NoError(t, s.AddSkill("alice", "design", 0))
		assert.ErrorIs(t, s.AddSkill("alice", "coding", -1), ErrInvalidArgument)

		u, err := s.GetUser("alice")
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"coding": 4, "design": 0}, u.Skills)
	})
}

func TestAddContributionErrors(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		assert.ErrorIs(t, s.AddContribution("c1", "ghost", "coding", "x"), ErrNotFound)

		seedAlice(t, s)
		err := s.AddContribution("c1", "alice", "coding", "again")
		var dup *DuplicateIDError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "c1", dup.ID)
		assert.ErrorIs(t, err, ErrDuplicateID)

		assert.ErrorIs(t, s.AddEvidence("missing", "github", "x"), ErrNotFound)
		_, err = s.AddVerification("missing", "org", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestContributionDetails(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		require.NoError(t, s.AddEvidence("c1", "Website", "https://example.org/post"))

		c, err := s.GetContribution("c1")
		require.NoError(t, err)
		assert.Equal(t, "alice", c.UserID)
		assert.Equal(t, "coding", c.Category)
		assert.Equal(t, []Evidence{
			{Type: "github", Reference: "https://github.com/a/b"},
			{Type: "website", Reference: "https://example.org/post"},
		}, c.Evidence)
		assert.False(t, c.Verified())

		v, err := s.AddVerification("c1", "OSS Foundation", "")
		require.NoError(t, err)
		c, err = s.GetContribution("c1")
		require.NoError(t, err)
		require.True(t, c.Verified())
		assert.Equal(t, v, c.Verifications[0])
		assert.Empty(t, c.Verifications[0].VerifierID)
	})
}

func TestQueryUserContributions(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		_, err := s.DefineUser("bob", "Bob")
		require.NoError(t, err)
		require.NoError(t, s.AddContribution("b1", "bob", "design", "Logo"))
		require.NoError(t, s.AddContribution("c2", "alice", "research", "Survey"))
		require.NoError(t, s.AddContribution("c0", "alice", "coding", "Lexer"))

		seq := s.QueryUserContributions("alice")
		assert.Equal(t, []string{"c1", "c2", "c0"}, slices.Collect(seq))
		// restartable
		assert.Equal(t, []string{"c1", "c2", "c0"}, slices.Collect(seq))

		for id := range seq {
			assert.Equal(t, "c1", id)
			break
		}
		assert.Empty(t, slices.Collect(s.QueryUserContributions("nobody")))
	})
}

func TestLedgerAndBalance(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		bal, err := s.QueryTokenBalance("nobody")
		require.NoError(t, err)
		assert.Zero(t, bal)

		_, err = s.DefineUser("alice", "Alice")
		require.NoError(t, err)
		_, err = s.Credit("alice", 100, "grant")
		require.NoError(t, err)
		_, err = s.Debit("alice", 30, "spend")
		require.NoError(t, err)

		bal, err = s.QueryTokenBalance("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(70), bal)

		_, err = s.Debit("alice", 71, "too much")
		var ib *InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, int64(70), ib.Balance)
		assert.Equal(t, int64(71), ib.Requested)

		_, err = s.Credit("alice", 0, "nothing")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Debit("alice", -5, "negative")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Credit("ghost", 5, "x")
		assert.ErrorIs(t, err, ErrNotFound)

		bal, err = s.QueryTokenBalance("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(70), bal)

		entries, err := s.Ledger("alice")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "entry-1", entries[0].ID)
		assert.Equal(t, Credit, entries[0].Direction)
		assert.Equal(t, Debit, entries[1].Direction)
		assert.Equal(t, int64(-30), entries[1].Delta())
		assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	})
}

func TestSetTokenBalance(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		_, err := s.DefineUser("alice", "Alice")
		require.NoError(t, err)

		require.NoError(t, s.SetTokenBalance("alice", 40))
		require.NoError(t, s.SetTokenBalance("alice", 40))
		require.NoError(t, s.SetTokenBalance("alice", 15))
		assert.ErrorIs(t, s.SetTokenBalance("alice", -1), ErrInvalidAmount)

		bal, err := s.QueryTokenBalance("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(15), bal)

		entries, err := s.Ledger("alice")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(40), entries[0].Amount)
		assert.Equal(t, Debit, entries[1].Direction)
		assert.Equal(t, int64(25), entries[1].Amount)
	})
}

func TestRecordAward(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		_, err := s.DefineUser("bob", "Bob")
		require.NoError(t, err)

		err = s.Update(func(tx *Tx) error {
			_, err := tx.RecordAward("c1", "bob", 75)
			return err
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		err = s.Update(func(tx *Tx) error {
			_, err := tx.RecordAward("c1", "alice", 75)
			return err
		})
		require.NoError(t, err)

		err = s.Update(func(tx *Tx) error {
			_, err := tx.RecordAward("c1", "alice", 75)
			return err
		})
		assert.ErrorIs(t, err, ErrDuplicateID)

		rec, ok, err := s.Award("c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, rec.Awarded)
		assert.Equal(t, int64(75), rec.Amount)
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		before, err := s.Snapshot()
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Update(func(tx *Tx) error {
			if _, err := tx.Credit("alice", 50, "partial"); err != nil {
				return err
			}
			if err := tx.AddSkill("alice", "coding", 9); err != nil {
				return err
			}
			if err := tx.AddContribution("c9", "alice", "design", "x"); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		after, err := s.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))

		u, err := s.GetUser("alice")
		require.NoError(t, err)
		assert.Equal(t, 4, u.Skills["coding"])
		assert.Zero(t, u.Balance)
	})
}

func TestViewIsReadOnly(t *testing.T) {
	s := newTestStore(t, "memory")
	_, err := s.DefineUser("alice", "Alice")
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		_, err := tx.Credit("alice", 5, "x")
		return err
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestConcurrentCreditsAreSerialized(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		_, err := s.DefineUser("alice", "Alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Credit("alice", 5, "tip")
				assert.NoError(t, err)
				_, err = s.QueryTokenBalance("alice")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		bal, err := s.QueryTokenBalance("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(100), bal)
	})
}

func TestStats(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		st, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, 4, st.Total)
		assert.Equal(t, 1, st.ByKind[PredEvidence])
		assert.Equal(t, int64(5), st.NextSeq)
		assert.Equal(t, s.BackendName(), st.Backend)
		if s.BackendName() == "mangle" {
			require.NotNil(t, st.Engine)
			assert.Equal(t, st.Total, st.Engine.TotalFacts)
			assert.Equal(t, 1, st.Engine.PredicateCounts[PredEvidence])
		} else {
			assert.Nil(t, st.Engine)
		}
	})
}

func TestMangleBackendSchema(t *testing.T) {
	b, err := NewMangleBackend(mangle.DefaultConfig())
	require.NoError(t, err)
	for _, p := range predicateArity {
		assert.Contains(t, Schema(), "Decl "+p.Name+"(")
	}

	f := Fact{Seq: 7, Predicate: PredUser, Args: []interface{}{"alice", "Alice"}}
	require.NoError(t, b.Assert(f))
	require.NoError(t, b.Retract(f))
	err = b.Retract(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `user("alice", "Alice", 7)`)

	require.NoError(t, b.Assert(f))
	b.Reset()
	assert.Equal(t, 0, b.Stats().TotalFacts)
}

func TestReset(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		seedAlice(t, s)
		s.Reset()
		_, err := s.GetUser("alice")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDatalogQuery(t *testing.T) {
	s := newTestStore(t, "mangle")
	seedAlice(t, s)
	require.NoError(t, s.AddContribution("c2", "alice", "design", "Logo"))

	require.True(t, s.Capabilities().Has(CapDatalog))
	rows, err := s.Query(context.Background(), `contribution(C, "alice", Cat, _, _)`)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	got := map[string]interface{}{}
	for _, row := range rows {
		got[row["C"].(string)] = row["Cat"]
	}
	assert.Equal(t, map[string]interface{}{"c1": "coding", "c2": "design"}, got)
}

func TestDatalogQueryUnsupported(t *testing.T) {
	s := newTestStore(t, "memory")
	assert.False(t, s.Capabilities().Has(CapDatalog))
	_, err := s.Query(context.Background(), `user(U, _, _)`)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMangleBackendFactLimit(t *testing.T) {
	b, err := NewMangleBackend(mangle.Config{FactLimit: 2})
	require.NoError(t, err)
	assert.True(t, b.Capabilities().Has(CapFactLimit))

	s := NewStore(b)
	_, err = s.DefineUser("alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, s.AddSkill("alice", "coding", 1))

	err = s.AddSkill("alice", "design", 1)
	require.ErrorIs(t, err, mangle.ErrFactLimit)

	u, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.Len(t, u.Skills, 1)
}

func TestNormalizeTag(t *testing.T) {
	tests := map[string]string{
		" Coding ":  "coding",
		"RESEARCH":  "research",
		"e\u0301": "\u00e9",
		"":          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeTag(in), "NormalizeTag(%q)", in)
	}
}
