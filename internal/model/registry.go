// internal/model/registry.go
// Package model defines the data structures used throughout the registry core.
// These structures represent the domain objects for agent identities, payments,
// feedback, and validations.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AgentID identifies a registered agent. IDs are assigned monotonically at
// registration time and are never reused.
type AgentID uint64

// AgentIdentity represents a registered agent.
// This corresponds to the agents table in storage.
type AgentIdentity struct {
	ID           AgentID   `json:"id" db:"id"`                      // Monotonic identity id (unique)
	Name         string    `json:"name" db:"name"`                  // Display name
	Description  string    `json:"description" db:"description"`    // Free-text description
	Capabilities []string  `json:"capabilities" db:"capabilities"`  // Capability set (non-empty)
	Endpoint     string    `json:"endpoint" db:"endpoint"`          // Service endpoint (globally unique)
	MetadataURI  string    `json:"metadataUri" db:"metadata_uri"`   // Opaque metadata pointer
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`       // When the agent was registered
	IsActive     bool      `json:"isActive" db:"is_active"`         // Owner-togglable availability flag
	Owner        string    `json:"owner" db:"owner"`                // Current controller address
}

// Payment represents a recorded payment to an agent.
// This corresponds to the payments table in storage.
type Payment struct {
	ID                 string          `json:"id" db:"id"`                                  // Derived payment id (Keccak-256)
	AgentID            AgentID         `json:"agentId" db:"agent_id"`                       // Paid agent
	Payer              string          `json:"payer" db:"payer"`                            // Paying party address
	Payee              string          `json:"payee" db:"payee"`                            // Receiving party address
	Amount             decimal.Decimal `json:"amount" db:"amount"`                          // Payment amount (positive)
	Token              string          `json:"token" db:"token"`                            // Settlement token symbol or address
	ServiceDescription string          `json:"serviceDescription" db:"service_description"` // What was paid for
	TaskID             string          `json:"taskId,omitempty" db:"task_id"`               // Optional related task
	Timestamp          time.Time       `json:"timestamp" db:"ts"`                           // When the payment was made
	TxHash             string          `json:"txHash" db:"tx_hash"`                         // Settlement transaction hash (unique)
	Verified           bool            `json:"verified" db:"verified"`                      // Flipped once by an authorized verifier
	Refunded           bool            `json:"refunded" db:"refunded"`                      // Terminal flag set by the settlement layer
}

// Feedback represents a reputation entry bound to a consumed payment proof.
// Entries are append-only; Verified is always true on insert because binding
// to a verified payment is a precondition of acceptance.
type Feedback struct {
	AgentID        AgentID   `json:"agentId" db:"agent_id"`
	Reviewer       string    `json:"reviewer" db:"reviewer"`
	Rating         int       `json:"rating" db:"rating"` // 1-5 inclusive
	Comment        string    `json:"comment" db:"comment"`
	PaymentProofID string    `json:"paymentProofId" db:"payment_proof_id"` // Consumed exactly once
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	Verified       bool      `json:"verified" db:"verified"`
}

// RatingScale is the fixed-point scale applied to average ratings.
// An average of 4.37 is stored as 437.
const RatingScale = 100

// ReputationScore is the derived per-agent rating aggregate. AverageRating is
// a scaled integer (x100) so the aggregate stays exact without floating point.
type ReputationScore struct {
	TotalRating   int64 `json:"totalRating" db:"total_rating"`
	FeedbackCount int64 `json:"feedbackCount" db:"feedback_count"`
	AverageRating int64 `json:"averageRating" db:"average_rating"` // TotalRating * RatingScale / FeedbackCount
}

// Tier is a discrete reputation class derived from the score aggregate.
type Tier string

const (
	TierNew      Tier = "New"
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
)

// TierFor classifies a score against the fixed tier thresholds. Both the
// average and the count threshold must hold simultaneously (an explicit AND):
// a 4.60 average with 60 reviews is Gold, not Platinum.
func TierFor(s ReputationScore) Tier {
	switch {
	case s.FeedbackCount == 0:
		return TierNew
	case s.AverageRating >= 450 && s.FeedbackCount >= 100:
		return TierPlatinum
	case s.AverageRating >= 400 && s.FeedbackCount >= 50:
		return TierGold
	case s.AverageRating >= 350 && s.FeedbackCount >= 20:
		return TierSilver
	case s.AverageRating >= 300 && s.FeedbackCount >= 5:
		return TierBronze
	default:
		return TierNew
	}
}

// ValidationType enumerates the supported third-party validation mechanisms.
type ValidationType string

const (
	ValidationTEE             ValidationType = "tee"
	ValidationZKProof         ValidationType = "zk-proof"
	ValidationStakedInference ValidationType = "staked-inference"
	ValidationManualReview    ValidationType = "manual-review"
	ValidationAutomatedTest   ValidationType = "automated-test"
	ValidationThirdPartyAudit ValidationType = "third-party-audit"
)

// ParseValidationType converts a string into a ValidationType, rejecting
// anything outside the enum.
func ParseValidationType(s string) (ValidationType, error) {
	switch t := ValidationType(s); t {
	case ValidationTEE, ValidationZKProof, ValidationStakedInference,
		ValidationManualReview, ValidationAutomatedTest, ValidationThirdPartyAudit:
		return t, nil
	default:
		return "", fmt.Errorf("unknown validation type: %q", s)
	}
}

// Validation represents a third-party validation outcome for an agent.
// Records are append-only and never mutated, not even by dispute resolution.
type Validation struct {
	AgentID    AgentID        `json:"agentId" db:"agent_id"`
	Type       ValidationType `json:"type" db:"vtype"`
	Validator  string         `json:"validator" db:"validator"`
	Passed     bool           `json:"passed" db:"passed"`
	ResultHash string         `json:"resultHash" db:"result_hash"`
	Timestamp  time.Time      `json:"timestamp" db:"ts"`
	ExpiresAt  time.Time      `json:"expiresAt,omitempty" db:"expires_at"` // Zero time = never expires
	Metadata   string         `json:"metadata,omitempty" db:"metadata"`
}

// Active reports whether the validation is unexpired at the given instant.
func (v Validation) Active(now time.Time) bool {
	return v.ExpiresAt.IsZero() || now.Before(v.ExpiresAt)
}

// ValidationStats is the derived per-agent validation aggregate. Counters are
// maintained in the same atomic unit that appends the validation record.
type ValidationStats struct {
	Total          int64     `json:"total" db:"total"`
	Passed         int64     `json:"passed" db:"passed"`
	Failed         int64     `json:"failed" db:"failed"`
	LastValidation time.Time `json:"lastValidation" db:"last_validation"`
}

// DisputeStatus is the lifecycle state of a validation dispute.
type DisputeStatus string

const (
	DisputeOpen       DisputeStatus = "open"
	DisputeUpheld     DisputeStatus = "resolved-upheld" // Validation stood; dispute stays recorded
	DisputeOverturned DisputeStatus = "overturned"      // Dispute flag cleared
)

// Dispute is a flagged challenge against a validation record. The id is
// derived from (agentId, validationIndex) so a record can be disputed at most
// once; resolution changes only the dispute status.
type Dispute struct {
	ID         string        `json:"id" db:"id"`
	AgentID    AgentID       `json:"agentId" db:"agent_id"`
	Index      int           `json:"index" db:"idx"` // Position in the agent's validation log
	Raiser     string        `json:"raiser" db:"raiser"`
	Status     DisputeStatus `json:"status" db:"status"`
	RaisedAt   time.Time     `json:"raisedAt" db:"raised_at"`
	ResolvedAt time.Time     `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// RankedAgent pairs an agent with its score aggregate for leaderboard reads.
type RankedAgent struct {
	AgentID AgentID         `json:"agentId"`
	Score   ReputationScore `json:"score"`
	Tier    Tier            `json:"tier"`
}

// AgentPaymentStats is the per-agent payment aggregate exposed by the ledger.
type AgentPaymentStats struct {
	AgentID       AgentID         `json:"agentId"`
	Count         int64           `json:"count"`         // All recorded payments
	VerifiedCount int64           `json:"verifiedCount"` // Payments verified so far
	TotalEarnings decimal.Decimal `json:"totalEarnings"` // Accrued at verification time only
}

// GlobalPaymentStats is the ledger-wide payment aggregate.
type GlobalPaymentStats struct {
	TotalPayments int64           `json:"totalPayments"`
	TotalVolume   decimal.Decimal `json:"totalVolume"` // Sum of all recorded amounts
}
