package facts

import (
	"context"
	"fmt"
	"iter"

	"nimo/internal/logging"
)

// The methods below run a single operation in its own transaction.

func (s *Store) DefineUser(id, displayName string) (u User, err error) {
	err = s.Update(func(tx *Tx) error {
		u, err = tx.DefineUser(id, displayName)
		return err
	})
	return u, err
}

func (s *Store) AddSkill(userID, skill string, level int) error {
	return s.Update(func(tx *Tx) error { return tx.AddSkill(userID, skill, level) })
}

func (s *Store) AddContribution(id, userID, category, title string) error {
	return s.Update(func(tx *Tx) error { return tx.AddContribution(id, userID, category, title) })
}

func (s *Store) AddEvidence(contributionID, evidenceType, reference string) error {
	return s.Update(func(tx *Tx) error { return tx.AddEvidence(contributionID, evidenceType, reference) })
}

func (s *Store) AddVerification(contributionID, organization, verifierID string) (v Verification, err error) {
	err = s.Update(func(tx *Tx) error {
		v, err = tx.AddVerification(contributionID, organization, verifierID)
		return err
	})
	return v, err
}

func (s *Store) Credit(userID string, amount int64, description string) (e LedgerEntry, err error) {
	err = s.Update(func(tx *Tx) error {
		e, err = tx.Credit(userID, amount, description)
		return err
	})
	return e, err
}

func (s *Store) Debit(userID string, amount int64, description string) (e LedgerEntry, err error) {
	err = s.Update(func(tx *Tx) error {
		e, err = tx.Debit(userID, amount, description)
		return err
	})
	return e, err
}

func (s *Store) SetTokenBalance(userID string, amount int64) error {
	return s.Update(func(tx *Tx) error {
		_, err := tx.SetTokenBalance(userID, amount)
		return err
	})
}

func (s *Store) GetUser(id string) (u User, err error) {
	err = s.View(func(tx *Tx) error {
		u, err = tx.User(id)
		return err
	})
	return u, err
}

func (s *Store) Users() (us []User, err error) {
	err = s.View(func(tx *Tx) error {
		us, err = tx.Users()
		return err
	})
	return us, err
}

func (s *Store) GetContribution(id string) (c Contribution, err error) {
	err = s.View(func(tx *Tx) error {
		c, err = tx.Contribution(id)
		return err
	})
	return c, err
}

func (s *Store) Ledger(userID string) (es []LedgerEntry, err error) {
	err = s.View(func(tx *Tx) error {
		es, err = tx.Ledger(userID)
		return err
	})
	return es, err
}

func (s *Store) Award(contributionID string) (a AwardRecord, ok bool, err error) {
	err = s.View(func(tx *Tx) error {
		a, ok, err = tx.Award(contributionID)
		return err
	})
	return a, ok, err
}

func (s *Store) Stats() (st Stats, err error) {
	err = s.View(func(tx *Tx) error {
		st, err = tx.Stats()
		return err
	})
	return st, err
}

// QueryUserContributions yields the user's contribution ids in insertion
// order. Each range over the sequence reads a fresh snapshot, so the
// sequence can be restarted. Backend failures end the sequence early and
// are logged.
func (s *Store) QueryUserContributions(userID string) iter.Seq[string] {
	return func(yield func(string) bool) {
		var ids []string
		err := s.View(func(tx *Tx) error {
			var err error
			ids, err = tx.ContributionIDs(userID)
			return err
		})
		if err != nil {
			logging.Get(logging.CategoryStore).Error("query contributions of %s: %v", userID, err)
			return
		}
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// QueryTokenBalance returns the current balance, 0 for users without
// ledger entries.
func (s *Store) QueryTokenBalance(userID string) (balance int64, err error) {
	err = s.View(func(tx *Tx) error {
		balance, err = tx.Balance(userID)
		return err
	})
	return balance, err
}

// Query runs a Datalog query against the backend. Every predicate has a
// trailing sequence column, e.g. `ledger_entry(E, "alice", A, D, _, _, _)`.
func (s *Store) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	querier, ok := s.backend.(DatalogQuerier)
	if !ok || !s.backend.Capabilities().Has(CapDatalog) {
		return nil, fmt.Errorf("%w: %s backend cannot run datalog queries", ErrUnsupported, s.backend.Name())
	}
	return querier.DatalogQuery(ctx, query)
}
