// Package award performs at-most-once token awards for validated
// contributions. It is the only code that credits the ledger on behalf of a
// contribution.
package award

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"nimo/internal/facts"
	"nimo/internal/logging"
	"nimo/internal/reward"
	"nimo/internal/validation"
)

// Outcome reports the result of one auto-award. A contribution that fails
// validation yields Success=false and a nil error.
type Outcome struct {
	ContributionID string              `json:"contribution_id"`
	UserID         string              `json:"user_id"`
	Success        bool                `json:"success"`
	Amount         int64               `json:"amount"`
	NewBalance     int64               `json:"new_balance"`
	AlreadyAwarded bool                `json:"already_awarded,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Validation     *validation.Result  `json:"validation,omitempty"`
	Payout         *reward.Calculation `json:"payout,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds the number of awards AwardAll runs at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// Orchestrator ties validation, reward calculation and the fact store
// together.
type Orchestrator struct {
	store       *facts.Store
	validator   *validation.Engine
	calculator  *reward.Calculator
	concurrency int
}

// New returns an orchestrator over store.
func New(store *facts.Store, validator *validation.Engine, calculator *reward.Calculator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		validator:   validator,
		calculator:  calculator,
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AutoAward validates the contribution and credits its owner once. The
// lookup, idempotence check, validation and credit run in one store
// transaction, so concurrent calls for the same contribution credit at most
// once. A repeated call reports the recorded amount and the current balance.
func (o *Orchestrator) AutoAward(ctx context.Context, userID, contributionID string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	timer := logging.StartTimer(logging.CategoryAward, "auto-award "+contributionID)
	defer timer.Stop()

	out := Outcome{ContributionID: contributionID, UserID: userID}
	var category string
	err := o.store.Update(func(tx *facts.Tx) error {
		c, err := tx.Contribution(contributionID)
		if err != nil {
			return err
		}
		if c.UserID != userID {
			return &facts.NotFoundError{Kind: "contribution of user " + userID, ID: contributionID}
		}
		category = c.Category

		if rec, ok, err := tx.Award(contributionID); err != nil {
			return err
		} else if ok {
			out.Success, out.AlreadyAwarded, out.Amount = true, true, rec.Amount
			out.NewBalance, err = tx.Balance(userID)
			return err
		}

		res, err := o.validator.ValidateTx(tx, contributionID)
		if err != nil {
			return err
		}
		out.Validation = &res
		if !res.Valid {
			out.Reason = strings.Join(res.Reasons, "; ")
			return nil
		}

		amount := o.calculator.CalculateTokenAward(c.Category)
		if amount <= 0 {
			out.Reason = fmt.Sprintf("category %s earns no tokens", c.Category)
			return nil
		}
		if _, err := tx.Credit(userID, amount, "auto-award for contribution "+contributionID); err != nil {
			return err
		}
		if _, err := tx.RecordAward(contributionID, userID, amount); err != nil {
			return err
		}
		out.Success, out.Amount = true, amount
		out.NewBalance, err = tx.Balance(userID)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	log := logging.Get(logging.CategoryAward).With("contribution", contributionID, "user", userID)
	switch {
	case out.AlreadyAwarded:
		logging.AwardDebug("%s already awarded %d to %s", contributionID, out.Amount, userID)
	case out.Success:
		logging.Award("awarded %d tokens to %s for %s (balance %d)", out.Amount, userID, contributionID, out.NewBalance)
	default:
		log.Info("no award: %s", out.Reason)
	}

	if out.Success && out.Validation != nil {
		calc, err := o.calculator.GetRewardCalculation(out.Amount, out.Validation.Confidence, category)
		if err != nil {
			log.Warn("payout preview failed: %v", err)
		} else {
			out.Payout = &calc
		}
	}
	return out, nil
}

// AwardAll auto-awards every contribution of userID, in insertion order.
// Awards run concurrently; commits are serialized by the store. The first
// hard error cancels the remaining awards.
func (o *Orchestrator) AwardAll(ctx context.Context, userID string) ([]Outcome, error) {
	if _, err := o.store.GetUser(userID); err != nil {
		return nil, err
	}
	ids := slices.Collect(o.store.QueryUserContributions(userID))
	outcomes := make([]Outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			out, err := o.AutoAward(gctx, userID, id)
			if err != nil {
				return fmt.Errorf("award %s: %w", id, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
