// Package facts holds the contribution fact graph: users, skills,
// contributions with their evidence and verifications, the token ledger and
// award records. Facts live in a pluggable Backend; Store adds typed
// operations, atomic transactions and persistence on top.
package facts

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nimo/internal/logging"
	"nimo/internal/mangle"
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for ledger, verification and award
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator sets the generator for ledger entry ids.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Store is the fact graph. Writers are serialized by Update; readers share
// a consistent snapshot through View.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	nextSeq int64
	now     func() time.Time
	newID   func() string
}

// NewStore wraps backend. The backend should be empty; use LoadFrom to
// restore a saved graph.
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		nextSeq: 1,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BackendName reports which backend holds the facts.
func (s *Store) BackendName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Name()
}

// Capabilities reports the backend's optional features.
func (s *Store) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.Capabilities()
}

// Update runs fn as one atomic write transaction. If fn returns an error
// every fact it asserted or retracted is undone. fn must not call methods
// on s.
func (s *Store) Update(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, writable: true, startSeq: s.nextSeq}
	if err := fn(tx); err != nil {
		if rbErr := tx.rollback(); rbErr != nil {
			logging.Get(logging.CategoryStore).Error("rollback failed: %v", rbErr)
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return nil
}

// View runs fn against a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{s: s})
}

// Reset drops every fact.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend.Reset()
	s.nextSeq = 1
	logging.Store("fact store reset")
}

type journalEntry struct {
	fact     Fact
	asserted bool
}

// Tx is a transaction handle passed to Update and View callbacks. It is
// only valid for the duration of the callback.
type Tx struct {
	s        *Store
	writable bool
	startSeq int64
	journal  []journalEntry
}

func (tx *Tx) assert(predicate string, args ...interface{}) error {
	if !tx.writable {
		return errReadOnly
	}
	f := Fact{Seq: tx.s.nextSeq, Predicate: predicate, Args: args}
	if err := tx.s.backend.Assert(f); err != nil {
		return fmt.Errorf("assert %s: %w", predicate, err)
	}
	tx.s.nextSeq++
	tx.journal = append(tx.journal, journalEntry{fact: f, asserted: true})
	return nil
}

func (tx *Tx) retract(f Fact) error {
	if !tx.writable {
		return errReadOnly
	}
	if err := tx.s.backend.Retract(f); err != nil {
		return fmt.Errorf("retract %s: %w", f.Predicate, err)
	}
	tx.journal = append(tx.journal, journalEntry{fact: f})
	return nil
}

func (tx *Tx) rollback() error {
	var errs []error
	for i := len(tx.journal) - 1; i >= 0; i-- {
		j := tx.journal[i]
		if j.asserted {
			errs = append(errs, tx.s.backend.Retract(j.fact))
		} else {
			errs = append(errs, tx.s.backend.Assert(j.fact))
		}
	}
	tx.s.nextSeq = tx.startSeq
	tx.journal = nil
	return errors.Join(errs...)
}

func (tx *Tx) match(predicate string, bound ...interface{}) ([]Fact, error) {
	return tx.s.backend.Match(predicate, bound...)
}

func (tx *Tx) first(predicate string, bound ...interface{}) (Fact, bool, error) {
	fs, err := tx.match(predicate, bound...)
	if err != nil || len(fs) == 0 {
		return Fact{}, false, err
	}
	return fs[0], true, nil
}

func (tx *Tx) timestamp() int64 { return tx.s.now().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidArg("%s id must not be empty", kind)
	}
	return nil
}

// DefineUser creates the user if absent. An existing user is returned
// unchanged.
func (tx *Tx) DefineUser(id, displayName string) (User, error) {
	if err := requireID("user", id); err != nil {
		return User{}, err
	}
	_, ok, err := tx.first(PredUser, id)
	if err != nil {
		return User{}, err
	}
	if !ok {
		if err := tx.assert(PredUser, id, displayName); err != nil {
			return User{}, err
		}
		logging.StoreDebug("user %s defined", id)
	}
	return tx.User(id)
}

func (tx *Tx) requireUser(id string) error {
	_, ok, err := tx.first(PredUser, id)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("user", id)
	}
	return nil
}

// User returns the user with skills and current balance.
func (tx *Tx) User(id string) (User, error) {
	uf, ok, err := tx.first(PredUser, id)
	if err != nil {
		return User{}, err
	}
	if !ok {
		return User{}, notFound("user", id)
	}
	u := User{ID: id, DisplayName: uf.str(1), Skills: map[string]int{}}
	skills, err := tx.match(PredSkill, id)
	if err != nil {
		return User{}, err
	}
	for _, sf := range skills {
		u.Skills[sf.str(1)] = int(sf.num(2))
	}
	if u.Balance, err = tx.Balance(id); err != nil {
		return User{}, err
	}
	return u, nil
}

// Users returns every user in definition order.
func (tx *Tx) Users() ([]User, error) {
	ufs, err := tx.match(PredUser)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(ufs))
	for _, uf := range ufs {
		u, err := tx.User(uf.str(0))
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// AddSkill sets the level of a user's skill. The last write wins.
func (tx *Tx) AddSkill(userID, skill string, level int) error {
	if err := tx.requireUser(userID); err != nil {
		return err
	}
	skill = NormalizeTag(skill)
	if skill == "" {
		return invalidArg("skill name must not be empty")
	}
	if level < 0 {
		return invalidArg("skill level must not be negative: %d", level)
	}
	old, err := tx.match(PredSkill, userID, skill)
	if err != nil {
		return err
	}
	for _, f := range old {
		if err := tx.retract(f); err != nil {
			return err
		}
	}
	if err := tx.assert(PredSkill, userID, skill, int64(level)); err != nil {
		return err
	}
	logging.StoreDebug("skill %s=%d set for %s", skill, level, userID)
	return nil
}

// AddContribution creates a contribution owned by userID.
func (tx *Tx) AddContribution(id, userID, category, title string) error {
	if err := requireID("contribution", id); err != nil {
		return err
	}
	_, exists, err := tx.first(PredContribution, id)
	if err != nil {
		return err
	}
	if exists {
		return &DuplicateIDError{Kind: "contribution", ID: id}
	}
	if err := tx.requireUser(userID); err != nil {
		return err
	}
	category = NormalizeTag(category)
	if category == "" {
		return invalidArg("contribution category must not be empty")
	}
	if err := tx.assert(PredContribution, id, userID, category, title); err != nil {
		return err
	}
	logging.StoreDebug("contribution %s (%s) added for %s", id, category, userID)
	return nil
}

func (tx *Tx) requireContribution(id string) (Fact, error) {
	cf, ok, err := tx.first(PredContribution, id)
	if err != nil {
		return Fact{}, err
	}
	if !ok {
		return Fact{}, notFound("contribution", id)
	}
	return cf, nil
}

// AddEvidence appends an evidence entry to a contribution.
func (tx *Tx) AddEvidence(contributionID, evidenceType, reference string) error {
	if _, err := tx.requireContribution(contributionID); err != nil {
		return err
	}
	return tx.assert(PredEvidence, contributionID, NormalizeTag(evidenceType), reference)
}

// AddVerification records that organization confirmed a contribution.
// verifierID may be empty.
func (tx *Tx) AddVerification(contributionID, organization, verifierID string) (Verification, error) {
	if _, err := tx.requireContribution(contributionID); err != nil {
		return Verification{}, err
	}
	if strings.TrimSpace(organization) == "" {
		return Verification{}, invalidArg("verifying organization must not be empty")
	}
	ts := tx.timestamp()
	if err := tx.assert(PredVerification, contributionID, organization, verifierID, ts); err != nil {
		return Verification{}, err
	}
	return Verification{Organization: organization, VerifierID: verifierID, Timestamp: fromNanos(ts)}, nil
}

// Contribution returns a contribution with its evidence in insertion order.
func (tx *Tx) Contribution(id string) (Contribution, error) {
	cf, err := tx.requireContribution(id)
	if err != nil {
		return Contribution{}, err
	}
	c := Contribution{ID: id, UserID: cf.str(1), Category: cf.str(2), Title: cf.str(3)}

	evs, err := tx.match(PredEvidence, id)
	if err != nil {
		return Contribution{}, err
	}
	for _, ef := range evs {
		c.Evidence = append(c.Evidence, Evidence{Type: ef.str(1), Reference: ef.str(2)})
	}
	vfs, err := tx.match(PredVerification, id)
	if err != nil {
		return Contribution{}, err
	}
	for _, vf := range vfs {
		c.Verifications = append(c.Verifications, Verification{
			Organization: vf.str(1),
			VerifierID:   vf.str(2),
			Timestamp:    fromNanos(vf.num(3)),
		})
	}
	return c, nil
}

// ContributionIDs lists a user's contributions in insertion order. Unknown
// users have none.
func (tx *Tx) ContributionIDs(userID string) ([]string, error) {
	cfs, err := tx.match(PredContribution, nil, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cfs))
	for _, cf := range cfs {
		ids = append(ids, cf.str(0))
	}
	return ids, nil
}

// Balance sums the user's ledger. Users without entries have balance 0.
func (tx *Tx) Balance(userID string) (int64, error) {
	entries, err := tx.match(PredLedger, nil, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, lf := range entries {
		total += entryFromFact(lf).Delta()
	}
	return total, nil
}

func entryFromFact(f Fact) LedgerEntry {
	return LedgerEntry{
		ID:          f.str(0),
		UserID:      f.str(1),
		Amount:      f.num(2),
		Direction:   Direction(f.str(3)),
		Description: f.str(4),
		Timestamp:   fromNanos(f.num(5)),
	}
}

// Ledger returns the user's entries in the order they were appended.
func (tx *Tx) Ledger(userID string) ([]LedgerEntry, error) {
	lfs, err := tx.match(PredLedger, nil, userID)
	if err != nil {
		return nil, err
	}
	out := make([]LedgerEntry, 0, len(lfs))
	for _, lf := range lfs {
		out = append(out, entryFromFact(lf))
	}
	return out, nil
}

func (tx *Tx) appendEntry(userID string, amount int64, dir Direction, description string) (LedgerEntry, error) {
	e := LedgerEntry{
		ID:          tx.s.newID(),
		UserID:      userID,
		Amount:      amount,
		Direction:   dir,
		Description: description,
	}
	ts := tx.timestamp()
	e.Timestamp = fromNanos(ts)
	if err := tx.assert(PredLedger, e.ID, userID, amount, string(dir), description, ts); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// Credit adds amount tokens to the user's balance.
func (tx *Tx) Credit(userID string, amount int64, description string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, amount)
	}
	if err := tx.requireUser(userID); err != nil {
		return LedgerEntry{}, err
	}
	e, err := tx.appendEntry(userID, amount, Credit, description)
	if err != nil {
		return LedgerEntry{}, err
	}
	logging.StoreDebug("credited %d to %s", amount, userID)
	return e, nil
}

// Debit removes amount tokens. It fails with InsufficientBalanceError, and
// changes nothing, when amount exceeds the balance.
func (tx *Tx) Debit(userID string, amount int64, description string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}
	if err := tx.requireUser(userID); err != nil {
		return LedgerEntry{}, err
	}
	balance, err := tx.Balance(userID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if amount > balance {
		return LedgerEntry{}, &InsufficientBalanceError{UserID: userID, Balance: balance, Requested: amount}
	}
	e, err := tx.appendEntry(userID, amount, Debit, description)
	if err != nil {
		return LedgerEntry{}, err
	}
	logging.StoreDebug("debited %d from %s", amount, userID)
	return e, nil
}

// SetTokenBalance appends one adjusting entry so the balance becomes amount.
// No entry is written when the balance already matches.
func (tx *Tx) SetTokenBalance(userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: balance %d", ErrInvalidAmount, amount)
	}
	if err := tx.requireUser(userID); err != nil {
		return 0, err
	}
	balance, err := tx.Balance(userID)
	if err != nil {
		return 0, err
	}
	desc := fmt.Sprintf("balance set to %d", amount)
	switch delta := amount - balance; {
	case delta > 0:
		_, err = tx.appendEntry(userID, delta, Credit, desc)
	case delta < 0:
		_, err = tx.appendEntry(userID, -delta, Debit, desc)
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// Award returns the award record of a contribution, if any.
func (tx *Tx) Award(contributionID string) (AwardRecord, bool, error) {
	af, ok, err := tx.first(PredAward, contributionID)
	if err != nil || !ok {
		return AwardRecord{}, false, err
	}
	return awardFromFact(af), true, nil
}

func awardFromFact(f Fact) AwardRecord {
	return AwardRecord{
		ContributionID: f.str(0),
		UserID:         f.str(1),
		Awarded:        true,
		Amount:         f.num(2),
		Timestamp:      fromNanos(f.num(3)),
	}
}

// RecordAward stores the award record for a contribution. A second record
// for the same contribution fails with DuplicateIDError.
func (tx *Tx) RecordAward(contributionID, userID string, amount int64) (AwardRecord, error) {
	if amount <= 0 {
		return AwardRecord{}, fmt.Errorf("%w: award of %d", ErrInvalidAmount, amount)
	}
	cf, err := tx.requireContribution(contributionID)
	if err != nil {
		return AwardRecord{}, err
	}
	if owner := cf.str(1); owner != userID {
		return AwardRecord{}, invalidArg("contribution %s is owned by %s, not %s", contributionID, owner, userID)
	}
	if _, exists, err := tx.first(PredAward, contributionID); err != nil {
		return AwardRecord{}, err
	} else if exists {
		return AwardRecord{}, &DuplicateIDError{Kind: "award", ID: contributionID}
	}
	ts := tx.timestamp()
	if err := tx.assert(PredAward, contributionID, userID, amount, ts); err != nil {
		return AwardRecord{}, err
	}
	return AwardRecord{ContributionID: contributionID, UserID: userID, Awarded: true, Amount: amount, Timestamp: fromNanos(ts)}, nil
}

// Stats summarizes the fact graph.
type Stats struct {
	Backend string         `json:"backend"`
	Total   int            `json:"total"`
	ByKind  map[string]int `json:"by_kind"`
	NextSeq int64          `json:"next_seq"`

	// Engine is the Mangle engine's own count; nil for other backends.
	Engine *mangle.Stats `json:"engine,omitempty"`
}

// Stats counts facts per predicate.
func (tx *Tx) Stats() (Stats, error) {
	st := Stats{Backend: tx.s.backend.Name(), ByKind: map[string]int{}, NextSeq: tx.s.nextSeq}
	for _, p := range predicateArity {
		fs, err := tx.match(p.Name)
		if err != nil {
			return Stats{}, err
		}
		st.ByKind[p.Name] = len(fs)
		st.Total += len(fs)
	}
	if mb, ok := tx.s.backend.(*MangleBackend); ok {
		es := mb.Stats()
		st.Engine = &es
	}
	return st, nil
}
