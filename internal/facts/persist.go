package facts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"nimo/internal/logging"
)

// DocumentVersion is the persisted document format version.
const DocumentVersion = 1

// saveWarnThreshold is the save duration above which a warning is logged.
const saveWarnThreshold = time.Second

type document struct {
	Version int      `json:"version"`
	NextSeq int64    `json:"next_seq"`
	Facts   []record `json:"facts"`
}

// record is one typed fact. Exactly one payload field is set, matching Type.
type record struct {
	Seq          int64               `json:"seq"`
	Type         string              `json:"type"`
	User         *userRecord         `json:"user,omitempty"`
	Skill        *skillRecord        `json:"skill,omitempty"`
	Contribution *contributionRecord `json:"contribution,omitempty"`
	Evidence     *evidenceRecord     `json:"evidence,omitempty"`
	Verification *verificationRecord `json:"verification,omitempty"`
	Ledger       *ledgerRecord       `json:"ledger_entry,omitempty"`
	Award        *awardRecord        `json:"award,omitempty"`
}

type userRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type skillRecord struct {
	UserID string `json:"user_id"`
	Skill  string `json:"skill"`
	Level  int64  `json:"level"`
}

type contributionRecord struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Title    string `json:"title"`
}

type evidenceRecord struct {
	ContributionID string `json:"contribution_id"`
	Type           string `json:"type"`
	Reference      string `json:"reference"`
}

type verificationRecord struct {
	ContributionID string    `json:"contribution_id"`
	Organization   string    `json:"organization"`
	VerifierID     string    `json:"verifier_id"`
	Timestamp      time.Time `json:"timestamp"`
}

type ledgerRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type awardRecord struct {
	ContributionID string    `json:"contribution_id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

func encodeFact(f Fact) record {
	r := record{Seq: f.Seq, Type: f.Predicate}
	switch f.Predicate {
	case PredUser:
		r.User = &userRecord{ID: f.str(0), DisplayName: f.str(1)}
	case PredSkill:
		r.Skill = &skillRecord{UserID: f.str(0), Skill: f.str(1), Level: f.num(2)}
	case PredContribution:
		r.Contribution = &contributionRecord{ID: f.str(0), UserID: f.str(1), Category: f.str(2), Title: f.str(3)}
	case PredEvidence:
		r.Evidence = &evidenceRecord{ContributionID: f.str(0), Type: f.str(1), Reference: f.str(2)}
	case PredVerification:
		r.Verification = &verificationRecord{
			ContributionID: f.str(0), Organization: f.str(1), VerifierID: f.str(2), Timestamp: fromNanos(f.num(3)),
		}
	case PredLedger:
		e := entryFromFact(f)
		r.Ledger = &ledgerRecord{
			ID: e.ID, UserID: e.UserID, Amount: e.Amount, Direction: e.Direction, Description: e.Description, Timestamp: e.Timestamp,
		}
	case PredAward:
		a := awardFromFact(f)
		r.Award = &awardRecord{ContributionID: a.ContributionID, UserID: a.UserID, Amount: a.Amount, Timestamp: a.Timestamp}
	}
	return r
}

func (r record) payloads() int {
	n := 0
	for _, set := range []bool{
		r.User != nil, r.Skill != nil, r.Contribution != nil, r.Evidence != nil,
		r.Verification != nil, r.Ledger != nil, r.Award != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// graphCheck tracks referential state while a document is replayed.
type graphCheck struct {
	users         map[string]bool
	skills        map[[2]string]bool
	contributions map[string]string
	awards        map[string]bool
	entries       map[string]bool
	balances      map[string]int64
}

func newGraphCheck() *graphCheck {
	return &graphCheck{
		users:         map[string]bool{},
		skills:        map[[2]string]bool{},
		contributions: map[string]string{},
		awards:        map[string]bool{},
		entries:       map[string]bool{},
		balances:      map[string]int64{},
	}
}

func (g *graphCheck) needUser(id string) error {
	if !g.users[id] {
		return fmt.Errorf("unknown user %q", id)
	}
	return nil
}

func (g *graphCheck) needContribution(id string) error {
	if _, ok := g.contributions[id]; !ok {
		return fmt.Errorf("unknown contribution %q", id)
	}
	return nil
}

// decodeRecord checks r against the facts replayed before it and converts
// it back to a fact.
func (g *graphCheck) decodeRecord(r record) (Fact, error) {
	if r.payloads() != 1 {
		return Fact{}, fmt.Errorf("record %d: want exactly one payload, got %d", r.Seq, r.payloads())
	}
	f := Fact{Seq: r.Seq, Predicate: r.Type}
	var err error
	switch {
	case r.Type == PredUser && r.User != nil:
		p := r.User
		if p.ID == "" || g.users[p.ID] {
			err = fmt.Errorf("empty or duplicate user id %q", p.ID)
			break
		}
		g.users[p.ID] = true
		f.Args = []interface{}{p.ID, p.DisplayName}
	case r.Type == PredSkill && r.Skill != nil:
		p := r.Skill
		key := [2]string{p.UserID, p.Skill}
		if err = g.needUser(p.UserID); err != nil {
			break
		}
		if p.Level < 0 || p.Skill == "" || g.skills[key] {
			err = fmt.Errorf("invalid or repeated skill %q for %q", p.Skill, p.UserID)
			break
		}
		g.skills[key] = true
		f.Args = []interface{}{p.UserID, p.Skill, p.Level}
	case r.Type == PredContribution && r.Contribution != nil:
		p := r.Contribution
		if _, dup := g.contributions[p.ID]; dup || p.ID == "" {
			err = fmt.Errorf("empty or duplicate contribution id %q", p.ID)
			break
		}
		if err = g.needUser(p.UserID); err != nil {
			break
		}
		g.contributions[p.ID] = p.UserID
		f.Args = []interface{}{p.ID, p.UserID, p.Category, p.Title}
	case r.Type == PredEvidence && r.Evidence != nil:
		p := r.Evidence
		err = g.needContribution(p.ContributionID)
		f.Args = []interface{}{p.ContributionID, p.Type, p.Reference}
	case r.Type == PredVerification && r.Verification != nil:
		p := r.Verification
		err = g.needContribution(p.ContributionID)
		f.Args = []interface{}{p.ContributionID, p.Organization, p.VerifierID, p.Timestamp.UnixNano()}
	case r.Type == PredLedger && r.Ledger != nil:
		p := r.Ledger
		if err = g.needUser(p.UserID); err != nil {
			break
		}
		if p.ID == "" || g.entries[p.ID] {
			err = fmt.Errorf("empty or duplicate ledger entry id %q", p.ID)
			break
		}
		if p.Amount <= 0 || (p.Direction != Credit && p.Direction != Debit) {
			err = fmt.Errorf("ledger entry %q: invalid amount %d or direction %q", p.ID, p.Amount, p.Direction)
			break
		}
		e := LedgerEntry{Amount: p.Amount, Direction: p.Direction}
		if g.balances[p.UserID]+e.Delta() < 0 {
			err = fmt.Errorf("ledger entry %q drives balance of %q negative", p.ID, p.UserID)
			break
		}
		g.entries[p.ID] = true
		g.balances[p.UserID] += e.Delta()
		f.Args = []interface{}{p.ID, p.UserID, p.Amount, string(p.Direction), p.Description, p.Timestamp.UnixNano()}
	case r.Type == PredAward && r.Award != nil:
		p := r.Award
		if err = g.needContribution(p.ContributionID); err != nil {
			break
		}
		if g.contributions[p.ContributionID] != p.UserID || g.awards[p.ContributionID] || p.Amount <= 0 {
			err = fmt.Errorf("invalid or duplicate award for contribution %q", p.ContributionID)
			break
		}
		g.awards[p.ContributionID] = true
		f.Args = []interface{}{p.ContributionID, p.UserID, p.Amount, p.Timestamp.UnixNano()}
	default:
		err = fmt.Errorf("unknown record type %q", r.Type)
	}
	if err != nil {
		return Fact{}, fmt.Errorf("record %d: %w", r.Seq, err)
	}
	return f, nil
}

func (s *Store) encodeLocked() ([]byte, error) {
	all, err := s.backend.All()
	if err != nil {
		return nil, err
	}
	doc := document{Version: DocumentVersion, NextSeq: s.nextSeq, Facts: make([]record, 0, len(all))}
	for _, f := range all {
		doc.Facts = append(doc.Facts, encodeFact(f))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Snapshot returns the serialized fact graph.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.encodeLocked()
	if err != nil {
		return nil, &PersistenceError{Op: "encode", Err: err}
	}
	return data, nil
}

// SaveTo writes the serialized fact graph to w.
func (s *Store) SaveTo(w io.Writer) error {
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return &PersistenceError{Op: "write", Err: err}
	}
	return nil
}

// LoadFrom replaces the fact graph with the document read from r. On any
// error the store is left unchanged.
func (s *Store) LoadFrom(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return &PersistenceError{Op: "decode", Err: err}
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return &PersistenceError{Op: "decode", Err: errors.New("trailing data after document")}
	}
	if doc.Version != DocumentVersion {
		return &PersistenceError{Op: "decode", Err: fmt.Errorf("unsupported document version %d", doc.Version)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.backend.Empty()
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	check := newGraphCheck()
	var last int64
	for _, r := range doc.Facts {
		if r.Seq <= last || r.Seq >= doc.NextSeq {
			return &PersistenceError{Op: "load", Err: fmt.Errorf("record sequence %d out of order (previous %d, next %d)", r.Seq, last, doc.NextSeq)}
		}
		last = r.Seq
		f, err := check.decodeRecord(r)
		if err != nil {
			return &PersistenceError{Op: "load", Err: err}
		}
		if err := fresh.Assert(f); err != nil {
			return &PersistenceError{Op: "load", Err: err}
		}
	}
	if doc.NextSeq < 1 {
		return &PersistenceError{Op: "load", Err: fmt.Errorf("invalid next_seq %d", doc.NextSeq)}
	}

	s.backend = fresh
	s.nextSeq = doc.NextSeq
	logging.Store("loaded %d facts into %s backend", len(doc.Facts), fresh.Name())
	return nil
}

// SaveToFile writes the graph atomically: a temp file in the same
// directory is synced and renamed over path, then the directory is synced.
func (s *Store) SaveToFile(path string) error {
	timer := logging.StartTimer(logging.CategoryStore, "save")
	defer timer.StopWithThreshold(saveWarnThreshold)

	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	logging.StoreDebug("saved %d bytes to %s", len(data), path)
	return nil
}

// LoadFromFile replaces the graph with the document at path.
func (s *Store) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &PersistenceError{Op: "load", Path: path, Err: err}
	}
	if err := s.LoadFrom(bytes.NewReader(data)); err != nil {
		var pe *PersistenceError
		if errors.As(err, &pe) && pe.Path == "" {
			pe.Path = path
		}
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
