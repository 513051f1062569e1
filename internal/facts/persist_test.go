package facts

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAwardedState(t *testing.T, s *Store) {
	t.Helper()
	seedAlice(t, s)
	_, err := s.AddVerification("c1", "OSS Foundation", "v-1")
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *Tx) error {
		if _, err := tx.Credit("alice", 75, "award c1"); err != nil {
			return err
		}
		_, err := tx.RecordAward("c1", "alice", 75)
		return err
	}))
}

type graphView struct {
	Users         []User
	Contributions map[string][]Contribution
	Ledgers       map[string][]LedgerEntry
	Awards        map[string]AwardRecord
}

func viewGraph(t *testing.T, s *Store) graphView {
	t.Helper()
	users, err := s.Users()
	require.NoError(t, err)
	g := graphView{
		Users:         users,
		Contributions: map[string][]Contribution{},
		Ledgers:       map[string][]LedgerEntry{},
		Awards:        map[string]AwardRecord{},
	}
	for _, u := range users {
		for id := range s.QueryUserContributions(u.ID) {
			c, err := s.GetContribution(id)
			require.NoError(t, err)
			g.Contributions[u.ID] = append(g.Contributions[u.ID], c)
			if a, ok, err := s.Award(id); err == nil && ok {
				g.Awards[id] = a
			}
		}
		g.Ledgers[u.ID], err = s.Ledger(u.ID)
		require.NoError(t, err)
	}
	return g
}

func TestDocumentGolden(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *Store) {
		buildAwardedState(t, s)
		data, err := s.Snapshot()
		require.NoError(t, err)

		g := goldie.New(t,
			goldie.WithFixtureDir("testdata/golden"),
			goldie.WithNameSuffix(".golden"),
		)
		g.Assert(t, "document", data)
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, pair := range [][2]string{
		{"memory", "memory"},
		{"mangle", "mangle"},
		{"memory", "mangle"},
		{"mangle", "memory"},
	} {
		t.Run(pair[0]+"_to_"+pair[1], func(t *testing.T) {
			src := newTestStore(t, pair[0])
			buildAwardedState(t, src)
			_, err := src.DefineUser("bob", "Bob")
			require.NoError(t, err)
			require.NoError(t, src.SetTokenBalance("bob", 12))
			_, err = src.Debit("alice", 5, "fee")
			require.NoError(t, err)

			path := filepath.Join(t.TempDir(), "state", "facts.json")
			require.NoError(t, src.SaveToFile(path))

			dst := newTestStore(t, pair[1])
			require.NoError(t, dst.LoadFromFile(path))

			if diff := cmp.Diff(viewGraph(t, src), viewGraph(t, dst)); diff != "" {
				t.Fatalf("loaded graph differs (-saved +loaded):\n%s", diff)
			}

			want, err := src.Snapshot()
			require.NoError(t, err)
			got, err := dst.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, string(want), string(got))

			bal, err := dst.QueryTokenBalance("alice")
			require.NoError(t, err)
			assert.Equal(t, int64(70), bal)

			// new facts continue the saved sequence
			require.NoError(t, dst.AddContribution("c2", "bob", "design", "Logo"))
			st, err := dst.Stats()
			require.NoError(t, err)
			srcStats, err := src.Stats()
			require.NoError(t, err)
			assert.Equal(t, srcStats.NextSeq+1, st.NextSeq)
		})
	}
}

func TestSaveToFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facts.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	s := newTestStore(t, "memory")
	seedAlice(t, s)
	require.NoError(t, s.SaveToFile(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("{\n  \"version\": 1,")))
	assert.True(t, bytes.HasSuffix(data, []byte("}\n")))
}

func TestLoadFromFileMissing(t *testing.T) {
	s := newTestStore(t, "memory")
	err := s.LoadFromFile(filepath.Join(t.TempDir(), "absent.json"))
	require.ErrorIs(t, err, ErrPersistence)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Op)
}

func TestLoadRejectsCorruptDocuments(t *testing.T) {
	user := `{"seq":1,"type":"user","user":{"id":"alice","display_name":"Alice"}}`
	contribution := `{"seq":2,"type":"contribution","contribution":{"id":"c1","user_id":"alice","category":"coding","title":"x"}}`
	doc := func(next int, facts ...string) string {
		return `{"version":1,"next_seq":` + strconv.Itoa(next) + `,"facts":[` + strings.Join(facts, ",") + `]}`
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"version":`},
		{"unknown field", `{"version":1,"next_seq":1,"facts":[],"extra":true}`},
		{"wrong version", `{"version":2,"next_seq":1,"facts":[]}`},
		{"unknown type", doc(2, `{"seq":1,"type":"bond","user":{"id":"a","display_name":""}}`)},
		{"two payloads", doc(2, `{"seq":1,"type":"user","user":{"id":"a","display_name":""},"skill":{"user_id":"a","skill":"x","level":1}}`)},
		{"no payload", doc(2, `{"seq":1,"type":"user"}`)},
		{"seq out of order", doc(3, strings.Replace(user, `"seq":1`, `"seq":2`, 1), strings.Replace(contribution, `"seq":2`, `"seq":1`, 1))},
		{"seq beyond next", doc(2, user, contribution)},
		{"dangling contribution", doc(3, contribution)},
		{"duplicate user", doc(3, user, `{"seq":2,"type":"user","user":{"id":"alice","display_name":"A2"}}`)},
		{"negative skill", doc(3, user, `{"seq":2,"type":"user_skill","skill":{"user_id":"alice","skill":"coding","level":-1}}`)},
		{"negative balance", doc(3, user, `{"seq":2,"type":"ledger_entry","ledger_entry":{"id":"e1","user_id":"alice","amount":5,"direction":"debit","description":"","timestamp":"2025-01-01T00:00:00Z"}}`)},
		{"bad direction", doc(3, user, `{"seq":2,"type":"ledger_entry","ledger_entry":{"id":"e1","user_id":"alice","amount":5,"direction":"sideways","description":"","timestamp":"2025-01-01T00:00:00Z"}}`)},
		{"award for other user", doc(4, user, contribution, `{"seq":3,"type":"award_record","award":{"contribution_id":"c1","user_id":"bob","amount":75,"timestamp":"2025-01-01T00:00:00Z"}}`)},
		{"zero next seq", `{"version":1,"next_seq":0,"facts":[]}`},
		{"trailing garbage", doc(2, user) + "GARBAGE{{{"},
		{"two documents", doc(1) + doc(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, "memory")
			seedAlice(t, s)
			before, err := s.Snapshot()
			require.NoError(t, err)

			err = s.LoadFrom(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, ErrPersistence)

			after, err := s.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, string(before), string(after))
		})
	}
}

func TestLoadAllowsTrailingWhitespace(t *testing.T) {
	s := newTestStore(t, "memory")
	require.NoError(t, s.LoadFrom(strings.NewReader("{\"version\":1,\"next_seq\":1,\"facts\":[]}\n\n  ")))
}

func TestLoadEmptyDocument(t *testing.T) {
	s := newTestStore(t, "mangle")
	seedAlice(t, s)
	require.NoError(t, s.LoadFrom(strings.NewReader(`{"version":1,"next_seq":1,"facts":[]}`)))

	users, err := s.Users()
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, slices.Collect(s.QueryUserContributions("alice")))
}
