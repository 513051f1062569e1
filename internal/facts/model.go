package facts

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// User is a contributor with skills and a token balance.
type User struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Skills      map[string]int `json:"skills"`
	Balance     int64          `json:"balance"`
}

// Evidence is a typed reference supporting a contribution.
type Evidence struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

// Verification records that an organization confirmed a contribution.
type Verification struct {
	Organization string    `json:"organization"`
	VerifierID   string    `json:"verifier_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Contribution is a logged work artifact with its evidence.
type Contribution struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Category      string         `json:"category"`
	Title         string         `json:"title"`
	Evidence      []Evidence     `json:"evidence"`
	Verifications []Verification `json:"verifications,omitempty"`
}

// Verified reports whether any verifier confirmed the contribution.
func (c Contribution) Verified() bool {
	return len(c.Verifications) > 0
}

// Direction tags a ledger entry as credit or debit.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// LedgerEntry is an append-only token transaction.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Direction   Direction `json:"direction"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// Delta returns the signed balance change of the entry.
func (e LedgerEntry) Delta() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// AwardRecord is the idempotence key for auto-awarding a contribution.
type AwardRecord struct {
	ContributionID string    `json:"contribution_id"`
	UserID         string    `json:"user_id"`
	Awarded        bool      `json:"awarded"`
	Amount         int64     `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// NormalizeTag canonicalizes free-form tags (categories, skills, evidence
// types): trimmed, NFC-normalized and case-folded. Casers are stateful, so
// one is built per call.
func NormalizeTag(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}
