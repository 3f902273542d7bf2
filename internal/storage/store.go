// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
//
// Every Store method is one atomic unit: a multi-index update (endpoint
// reservation, capability index, owner index, txHash index, consumed-proof
// set, aggregate counters) either commits fully or not at all, and reads only
// ever observe fully committed state.
package storage

import (
	"context"
	"errors"

	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
)

// Standard errors returned by the storage layer. The service packages map
// these onto the registry error taxonomy.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	ErrNotOwner          = errors.New("caller is not the owner")
	ErrDuplicateTx       = errors.New("transaction hash already recorded")
	ErrIDCollision       = errors.New("payment id collision")
	ErrAlreadyVerified   = errors.New("payment already verified")
	ErrRefunded          = errors.New("payment refunded")
	ErrPaymentUnverified = errors.New("payment not verified")
	ErrProofUsed         = errors.New("payment proof already consumed")
	ErrAlreadyDisputed   = errors.New("validation already disputed")
	ErrNoDispute         = errors.New("no active dispute")
)

// Store defines the persistence operations required by the four registries.
// It is implemented by both the in-memory and the PostgreSQL backend.
type Store interface {
	// Agent identity operations
	CreateAgent(ctx context.Context, a model.AgentIdentity) (model.AgentID, error)
	GetAgent(ctx context.Context, id model.AgentID) (*model.AgentIdentity, error)
	// UpdateAgent replaces description, capability set, and metadata URI in a
	// single atomic re-index. Fails with ErrNotOwner when caller does not own id.
	UpdateAgent(ctx context.Context, id model.AgentID, caller, description string, capabilities []string, metadataURI string) error
	// SetAgentActive toggles the availability flag. Setting the current value
	// is a permitted no-op and reports changed=false.
	SetAgentActive(ctx context.Context, id model.AgentID, caller string, active bool) (changed bool, err error)
	// TransferAgentOwner atomically rewrites the owner field and moves the id
	// between the two owner-index entries.
	TransferAgentOwner(ctx context.Context, id model.AgentID, from, to string) error
	AgentsByCapability(ctx context.Context, capability string) ([]model.AgentID, error)
	AgentsByOwner(ctx context.Context, owner string) ([]model.AgentID, error)

	// Payment operations
	CreatePayment(ctx context.Context, p model.Payment) error
	GetPayment(ctx context.Context, id string) (*model.Payment, error)
	// MarkPaymentVerified flips verified=false->true exactly once and accrues
	// the amount to the agent's earnings in the same atomic unit.
	MarkPaymentVerified(ctx context.Context, id string) (*model.Payment, error)
	// MarkPaymentRefunded sets the terminal refunded flag.
	MarkPaymentRefunded(ctx context.Context, id string) (*model.Payment, error)
	PaymentsByAgent(ctx context.Context, agentID model.AgentID) ([]string, error)
	PaymentsByPayer(ctx context.Context, payer string) ([]string, error)
	TxRecorded(ctx context.Context, txHash string) (bool, error)
	AgentPaymentStats(ctx context.Context, agentID model.AgentID) (*model.AgentPaymentStats, error)
	GlobalPaymentStats(ctx context.Context) (*model.GlobalPaymentStats, error)

	// Reputation operations. AppendFeedback consumes the payment proof,
	// appends the entry, and folds it into the score aggregate atomically.
	// It re-validates the proof payment (exists, verified, not refunded)
	// under the same commit lock, closing the window between the ledger's
	// read-only verification query and the local write.
	AppendFeedback(ctx context.Context, fb model.Feedback) (*model.ReputationScore, error)
	// ProofConsumed reports whether a payment proof already backs a feedback
	// entry. Read-only; the authoritative check stays inside AppendFeedback.
	ProofConsumed(ctx context.Context, proofID string) (bool, error)
	// FeedbackByAgent returns one page of an agent's feedback in insertion
	// order. A non-positive limit means no limit: everything from offset.
	FeedbackByAgent(ctx context.Context, agentID model.AgentID, offset, limit int) ([]model.Feedback, error)
	ReputationScore(ctx context.Context, agentID model.AgentID) (*model.ReputationScore, error)
	TopAgents(ctx context.Context, minFeedback int64, limit int) ([]model.RankedAgent, error)
	SetReviewerBlocked(ctx context.Context, reviewer string, blocked bool) error
	ReviewerBlocked(ctx context.Context, reviewer string) (bool, error)

	// Validation operations. AppendValidation returns the record's index in
	// the agent's validation log and updates the stats counters atomically.
	AppendValidation(ctx context.Context, v model.Validation) (int, error)
	ValidationsByAgent(ctx context.Context, agentID model.AgentID) ([]model.Validation, error)
	ValidationStats(ctx context.Context, agentID model.AgentID) (*model.ValidationStats, error)
	OpenDispute(ctx context.Context, d model.Dispute) error
	GetDispute(ctx context.Context, id string) (*model.Dispute, error)
	ResolveDispute(ctx context.Context, id string, overturned bool) (*model.Dispute, error)

	// Close releases any resources held by the store.
	Close()
}
