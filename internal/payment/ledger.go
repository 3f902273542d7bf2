// Package payment implements the payment ledger: recording settled payments,
// marking them verified or refunded, and serving payment lookups and
// aggregates.
package payment

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

// Ledger is the payment service. Verification and refund marking are
// restricted to authorized verifiers; recording is open to any settled payer.
type Ledger struct {
	store   storage.Store
	events  event.Publisher
	metrics *metrics.Metrics
	auth    *roles.Authorizer
}

// NewLedger wires a payment Ledger.
func NewLedger(store storage.Store, events event.Publisher, m *metrics.Metrics, auth *roles.Authorizer) *Ledger {
	return &Ledger{store: store, events: events, metrics: m, auth: auth}
}

func (l *Ledger) observe(op, status string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.RegistryOperationTotal.WithLabelValues("payment", op, status).Inc()
	l.metrics.RegistryOperationDuration.WithLabelValues("payment", op, status).Observe(time.Since(start).Seconds())
}

// DerivePaymentID computes the canonical payment id: Keccak-256 over the
// binding fields, hex-encoded with a 0x prefix. The same settlement facts
// always derive the same id.
func DerivePaymentID(agentID model.AgentID, payer string, amount decimal.Decimal, ts time.Time, txHash string) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%d|%s|%s|%d|%s", agentID, payer, amount.String(), ts.UnixNano(), txHash)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// RecordParams carries the inputs for recording a settled payment.
type RecordParams struct {
	AgentID            model.AgentID
	Payer              string
	Payee              string
	Amount             decimal.Decimal
	Token              string
	ServiceDescription string
	TaskID             string
	Timestamp          time.Time
	TxHash             string
}

// Record appends a settled payment to the ledger. The settlement transaction
// hash must be globally unique; a repeated hash is rejected as a replay.
func (l *Ledger) Record(ctx context.Context, p RecordParams) (*model.Payment, error) {
	start := time.Now()

	if !p.Amount.IsPositive() {
		l.observe("record", "error", start)
		return nil, regerrors.New(regerrors.REG_INVALID_AMOUNT, "payment amount must be positive")
	}
	if p.Payee == "" {
		l.observe("record", "error", start)
		return nil, regerrors.New(regerrors.REG_INVALID_PAYEE, "payee address is required")
	}
	if p.Payer == "" || p.TxHash == "" {
		l.observe("record", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "payer and txHash are required")
	}

	// The paid agent must exist.
	if _, err := l.store.GetAgent(ctx, p.AgentID); err != nil {
		l.observe("record", "error", start)
		if err == storage.ErrNotFound {
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", p.AgentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load agent")
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	pay := model.Payment{
		ID:                 DerivePaymentID(p.AgentID, p.Payer, p.Amount, ts, p.TxHash),
		AgentID:            p.AgentID,
		Payer:              p.Payer,
		Payee:              p.Payee,
		Amount:             p.Amount,
		Token:              p.Token,
		ServiceDescription: p.ServiceDescription,
		TaskID:             p.TaskID,
		Timestamp:          ts,
		TxHash:             p.TxHash,
	}

	if err := l.store.CreatePayment(ctx, pay); err != nil {
		l.observe("record", "error", start)
		switch err {
		case storage.ErrDuplicateTx:
			return nil, regerrors.Newf(regerrors.REG_DUPLICATE_TX, "transaction %s is already recorded", p.TxHash)
		case storage.ErrIDCollision:
			// Same binding fields imply the same settlement; never overwrite.
			return nil, regerrors.Newf(regerrors.REG_ID_COLLISION, "payment id %s already exists", pay.ID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to record payment")
	}

	if err := l.events.PublishPaymentRecorded(ctx, pay); err != nil {
		slog.Warn("failed to publish payment recorded event", "paymentId", pay.ID, "error", err)
	}

	l.observe("record", "success", start)
	return &pay, nil
}

// Verify marks a payment verified. Verification is monotonic: it happens at
// most once per payment, accrues the agent's earnings exactly then, and is
// rejected for refunded payments.
func (l *Ledger) Verify(ctx context.Context, caller, paymentID string) (*model.Payment, error) {
	start := time.Now()

	if !l.auth.IsVerifier(caller) {
		l.observe("verify", "error", start)
		return nil, regerrors.New(regerrors.REG_NOT_AUTHORIZED, "caller is not an authorized verifier")
	}

	pay, err := l.store.MarkPaymentVerified(ctx, paymentID)
	if err != nil {
		l.observe("verify", "error", start)
		switch err {
		case storage.ErrNotFound:
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "payment %s not found", paymentID)
		case storage.ErrAlreadyVerified:
			return nil, regerrors.Newf(regerrors.REG_ALREADY_VERIFIED, "payment %s is already verified", paymentID)
		case storage.ErrRefunded:
			return nil, regerrors.Newf(regerrors.REG_ALREADY_REFUNDED, "payment %s was refunded", paymentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to verify payment")
	}

	if err := l.events.PublishPaymentVerified(ctx, *pay); err != nil {
		slog.Warn("failed to publish payment verified event", "paymentId", pay.ID, "error", err)
	}

	l.observe("verify", "success", start)
	return pay, nil
}

// VerifyResult reports the outcome of one entry in a batch verification.
type VerifyResult struct {
	PaymentID string              `json:"paymentId"`
	Applied   bool                `json:"applied"`
	Code      regerrors.ErrorCode `json:"code,omitempty"` // Set when Applied is false
}

// BatchVerify verifies a list of payments. A failing entry never aborts the
// batch and never credits twice; each entry's outcome is reported
// individually.
func (l *Ledger) BatchVerify(ctx context.Context, caller string, paymentIDs []string) ([]VerifyResult, error) {
	start := time.Now()

	if !l.auth.IsVerifier(caller) {
		l.observe("batch_verify", "error", start)
		return nil, regerrors.New(regerrors.REG_NOT_AUTHORIZED, "caller is not an authorized verifier")
	}

	results := make([]VerifyResult, 0, len(paymentIDs))
	for _, id := range paymentIDs {
		res := VerifyResult{PaymentID: id}
		if _, err := l.Verify(ctx, caller, id); err != nil {
			res.Code = regerrors.CodeOf(err)
		} else {
			res.Applied = true
		}
		results = append(results, res)
	}

	l.observe("batch_verify", "success", start)
	return results, nil
}

// MarkRefunded records a settlement-layer refund. Refunded is terminal: a
// refunded payment can never verify and its proof can never back feedback.
func (l *Ledger) MarkRefunded(ctx context.Context, caller, paymentID string) (*model.Payment, error) {
	start := time.Now()

	if !l.auth.IsVerifier(caller) {
		l.observe("refund", "error", start)
		return nil, regerrors.New(regerrors.REG_NOT_AUTHORIZED, "caller is not an authorized verifier")
	}

	pay, err := l.store.MarkPaymentRefunded(ctx, paymentID)
	if err != nil {
		l.observe("refund", "error", start)
		switch err {
		case storage.ErrNotFound:
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "payment %s not found", paymentID)
		case storage.ErrRefunded:
			return nil, regerrors.Newf(regerrors.REG_ALREADY_REFUNDED, "payment %s was already refunded", paymentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to mark payment refunded")
	}

	l.observe("refund", "success", start)
	return pay, nil
}

// Get returns the payment with the given id.
func (l *Ledger) Get(ctx context.Context, paymentID string) (*model.Payment, error) {
	pay, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "payment %s not found", paymentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load payment")
	}
	return pay, nil
}

// ByAgent returns the ids of all payments made to an agent, oldest first.
func (l *Ledger) ByAgent(ctx context.Context, agentID model.AgentID) ([]string, error) {
	ids, err := l.store.PaymentsByAgent(ctx, agentID)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to query payments by agent")
	}
	return ids, nil
}

// ByPayer returns the ids of all payments made by a payer, oldest first.
func (l *Ledger) ByPayer(ctx context.Context, payer string) ([]string, error) {
	ids, err := l.store.PaymentsByPayer(ctx, payer)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to query payments by payer")
	}
	return ids, nil
}

// IsRecorded reports whether a settlement transaction hash is already in the
// ledger.
func (l *Ledger) IsRecorded(ctx context.Context, txHash string) (bool, error) {
	recorded, err := l.store.TxRecorded(ctx, txHash)
	if err != nil {
		return false, regerrors.New(regerrors.REG_INTERNAL, "failed to check transaction hash")
	}
	return recorded, nil
}

// AgentStats returns the payment aggregate for one agent.
func (l *Ledger) AgentStats(ctx context.Context, agentID model.AgentID) (*model.AgentPaymentStats, error) {
	stats, err := l.store.AgentPaymentStats(ctx, agentID)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load payment stats")
	}
	return stats, nil
}

// GlobalStats returns the ledger-wide payment aggregate.
func (l *Ledger) GlobalStats(ctx context.Context) (*model.GlobalPaymentStats, error) {
	stats, err := l.store.GlobalPaymentStats(ctx)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load global payment stats")
	}
	return stats, nil
}
