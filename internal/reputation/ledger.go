// Package reputation implements the feedback ledger: payment-proofed feedback
// submission, derived score aggregates, tier classification and the
// leaderboard read.
package reputation

import (
	"context"
	"log/slog"
	"time"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

// PaymentReader is the read-only view of the payment ledger the reputation
// service needs to qualify a proof before committing feedback.
type PaymentReader interface {
	Get(ctx context.Context, paymentID string) (*model.Payment, error)
}

// Ledger is the reputation service. Feedback acceptance consumes a payment
// proof exactly once; score aggregates are folded incrementally inside the
// same storage commit that consumes the proof.
type Ledger struct {
	store    storage.Store
	payments PaymentReader
	events   event.Publisher
	metrics  *metrics.Metrics
	auth     *roles.Authorizer
}

// NewLedger wires a reputation Ledger.
func NewLedger(store storage.Store, payments PaymentReader, events event.Publisher, m *metrics.Metrics, auth *roles.Authorizer) *Ledger {
	return &Ledger{store: store, payments: payments, events: events, metrics: m, auth: auth}
}

func (l *Ledger) observe(op, status string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.RegistryOperationTotal.WithLabelValues("reputation", op, status).Inc()
	l.metrics.RegistryOperationDuration.WithLabelValues("reputation", op, status).Observe(time.Since(start).Seconds())
}

// SubmitParams carries the inputs for one feedback submission.
type SubmitParams struct {
	AgentID        model.AgentID
	Reviewer       string
	Rating         int // 1-5 inclusive
	Comment        string
	PaymentProofID string
}

// SubmitFeedback validates a proof-bound feedback entry and commits it.
// The proof payment must target the rated agent, be paid by the reviewer,
// be verified and not refunded; each proof backs at most one entry. The
// qualification read here gives precise error codes; the storage commit
// re-checks verified/unrefunded under the same lock that consumes the proof,
// so a refund racing this call can never slip feedback in.
func (l *Ledger) SubmitFeedback(ctx context.Context, p SubmitParams) (*model.ReputationScore, error) {
	start := time.Now()

	if p.Rating < 1 || p.Rating > 5 {
		l.observe("submit", "error", start)
		return nil, regerrors.Newf(regerrors.REG_INVALID_RATING, "rating must be between 1 and 5, got %d", p.Rating)
	}
	if p.Reviewer == "" || p.PaymentProofID == "" {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "reviewer and paymentProofId are required")
	}

	// A consumed proof always yields the same rejection, no matter what later
	// happened to the reviewer or the payment. This read is advisory; the
	// storage commit below holds the authoritative check.
	used, err := l.store.ProofConsumed(ctx, p.PaymentProofID)
	if err != nil {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to check payment proof")
	}
	if used {
		l.observe("submit", "error", start)
		return nil, regerrors.Newf(regerrors.REG_PROOF_USED, "payment proof %s has already been used", p.PaymentProofID)
	}

	blocked, err := l.store.ReviewerBlocked(ctx, p.Reviewer)
	if err != nil {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to check reviewer status")
	}
	if blocked {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_REVIEWER_BLACKLISTED, "reviewer is blacklisted")
	}

	pay, err := l.payments.Get(ctx, p.PaymentProofID)
	if err != nil {
		l.observe("submit", "error", start)
		if regerrors.CodeOf(err) == regerrors.REG_NOT_FOUND {
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "payment proof %s not found", p.PaymentProofID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load payment proof")
	}
	if pay.AgentID != p.AgentID {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_PAYMENT_MISMATCH, "payment proof is bound to a different agent")
	}
	if pay.Payer != p.Reviewer {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_NOT_PAYER, "reviewer is not the payer of the proof payment")
	}
	if pay.Refunded {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_PAYMENT_REFUNDED, "proof payment was refunded")
	}
	if !pay.Verified {
		l.observe("submit", "error", start)
		return nil, regerrors.New(regerrors.REG_PAYMENT_UNVERIFIED, "proof payment is not verified")
	}

	fb := model.Feedback{
		AgentID:        p.AgentID,
		Reviewer:       p.Reviewer,
		Rating:         p.Rating,
		Comment:        p.Comment,
		PaymentProofID: p.PaymentProofID,
		Timestamp:      time.Now().UTC(),
		Verified:       true,
	}

	score, err := l.store.AppendFeedback(ctx, fb)
	if err != nil {
		l.observe("submit", "error", start)
		switch err {
		case storage.ErrProofUsed:
			return nil, regerrors.Newf(regerrors.REG_PROOF_USED, "payment proof %s has already been used", p.PaymentProofID)
		case storage.ErrRefunded:
			return nil, regerrors.New(regerrors.REG_PAYMENT_REFUNDED, "proof payment was refunded")
		case storage.ErrPaymentUnverified:
			return nil, regerrors.New(regerrors.REG_PAYMENT_UNVERIFIED, "proof payment is not verified")
		case storage.ErrNotFound:
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "payment proof %s not found", p.PaymentProofID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to commit feedback")
	}

	if err := l.events.PublishFeedbackAccepted(ctx, fb, *score); err != nil {
		slog.Warn("failed to publish feedback accepted event", "agentId", p.AgentID, "error", err)
	}

	l.observe("submit", "success", start)
	return score, nil
}

// GetScore returns the derived score aggregate for an agent. An agent with no
// feedback has a zero aggregate.
func (l *Ledger) GetScore(ctx context.Context, agentID model.AgentID) (*model.ReputationScore, error) {
	score, err := l.store.ReputationScore(ctx, agentID)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load reputation score")
	}
	return score, nil
}

// Tier returns the reputation tier for an agent.
func (l *Ledger) Tier(ctx context.Context, agentID model.AgentID) (model.Tier, error) {
	score, err := l.GetScore(ctx, agentID)
	if err != nil {
		return "", err
	}
	return model.TierFor(*score), nil
}

// GetFeedback returns one page of an agent's feedback in insertion order.
// An out-of-range offset yields an empty page, not an error; a non-positive
// limit returns everything from offset.
func (l *Ledger) GetFeedback(ctx context.Context, agentID model.AgentID, offset, limit int) ([]model.Feedback, error) {
	fbs, err := l.store.FeedbackByAgent(ctx, agentID, offset, limit)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load feedback")
	}
	return fbs, nil
}

// TopAgents returns the leaderboard: agents with at least minFeedback entries,
// ordered by average rating.
func (l *Ledger) TopAgents(ctx context.Context, minFeedback int64, limit int) ([]model.RankedAgent, error) {
	ranked, err := l.store.TopAgents(ctx, minFeedback, limit)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load leaderboard")
	}
	return ranked, nil
}

// Blacklist blocks a reviewer from submitting feedback. Admin only.
func (l *Ledger) Blacklist(ctx context.Context, caller, reviewer string) error {
	return l.setBlocked(ctx, caller, reviewer, true)
}

// Whitelist lifts a reviewer block. Admin only.
func (l *Ledger) Whitelist(ctx context.Context, caller, reviewer string) error {
	return l.setBlocked(ctx, caller, reviewer, false)
}

func (l *Ledger) setBlocked(ctx context.Context, caller, reviewer string, blocked bool) error {
	start := time.Now()

	if !l.auth.IsAdmin(caller) {
		l.observe("set_blocked", "error", start)
		return regerrors.New(regerrors.REG_NOT_AUTHORIZED, "only the admin may manage the reviewer blacklist")
	}
	if reviewer == "" {
		l.observe("set_blocked", "error", start)
		return regerrors.New(regerrors.REG_BAD_REQUEST, "reviewer address is required")
	}

	if err := l.store.SetReviewerBlocked(ctx, reviewer, blocked); err != nil {
		l.observe("set_blocked", "error", start)
		return regerrors.New(regerrors.REG_INTERNAL, "failed to update reviewer blacklist")
	}

	l.observe("set_blocked", "success", start)
	return nil
}
