// Package validation implements the validation ledger: third-party validation
// records, derived pass-rate scoring, and the dispute lifecycle.
package validation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/sha3"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

// Ledger is the validation service. Records are append-only; disputes flag a
// record without ever mutating it.
type Ledger struct {
	store   storage.Store
	events  event.Publisher
	metrics *metrics.Metrics
	auth    *roles.Authorizer

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewLedger wires a validation Ledger.
func NewLedger(store storage.Store, events event.Publisher, m *metrics.Metrics, auth *roles.Authorizer) *Ledger {
	return &Ledger{store: store, events: events, metrics: m, auth: auth, now: time.Now}
}

func (l *Ledger) observe(op, status string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.RegistryOperationTotal.WithLabelValues("validation", op, status).Inc()
	l.metrics.RegistryOperationDuration.WithLabelValues("validation", op, status).Observe(time.Since(start).Seconds())
}

// DeriveDisputeID computes the canonical dispute id: Keccak-256 over the
// agent id and validation index, hex-encoded with a 0x prefix. One validation
// record maps to exactly one dispute id.
func DeriveDisputeID(agentID model.AgentID, index int) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%d|%d", agentID, index)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// SubmitParams carries the inputs for one validation record.
type SubmitParams struct {
	AgentID    model.AgentID
	Type       string
	Validator  string
	Passed     bool
	ResultHash string
	ExpiresAt  time.Time // Zero = never expires
	Metadata   string
}

// Submit appends a validation record for an agent. Only authorized validators
// may submit; the result hash is mandatory. Returns the record's index in the
// agent's validation log.
func (l *Ledger) Submit(ctx context.Context, p SubmitParams) (int, error) {
	start := time.Now()

	if !l.auth.IsValidator(p.Validator) {
		l.observe("submit", "error", start)
		return 0, regerrors.New(regerrors.REG_NOT_AUTHORIZED, "caller is not an authorized validator")
	}
	vtype, err := model.ParseValidationType(p.Type)
	if err != nil {
		l.observe("submit", "error", start)
		return 0, regerrors.Newf(regerrors.REG_INVALID_TYPE, "unknown validation type %q", p.Type)
	}
	if p.ResultHash == "" {
		l.observe("submit", "error", start)
		return 0, regerrors.New(regerrors.REG_EMPTY_RESULT_HASH, "result hash is required")
	}

	if _, err := l.store.GetAgent(ctx, p.AgentID); err != nil {
		l.observe("submit", "error", start)
		if err == storage.ErrNotFound {
			return 0, regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", p.AgentID)
		}
		return 0, regerrors.New(regerrors.REG_INTERNAL, "failed to load agent")
	}

	v := model.Validation{
		AgentID:    p.AgentID,
		Type:       vtype,
		Validator:  p.Validator,
		Passed:     p.Passed,
		ResultHash: p.ResultHash,
		Timestamp:  l.now().UTC(),
		ExpiresAt:  p.ExpiresAt,
		Metadata:   p.Metadata,
	}

	index, err := l.store.AppendValidation(ctx, v)
	if err != nil {
		l.observe("submit", "error", start)
		return 0, regerrors.New(regerrors.REG_INTERNAL, "failed to append validation")
	}

	if err := l.events.PublishValidationRecorded(ctx, v, index); err != nil {
		slog.Warn("failed to publish validation recorded event", "agentId", p.AgentID, "error", err)
	}

	l.observe("submit", "success", start)
	return index, nil
}

// GetAll returns an agent's full validation log in append order.
func (l *Ledger) GetAll(ctx context.Context, agentID model.AgentID) ([]model.Validation, error) {
	vs, err := l.store.ValidationsByAgent(ctx, agentID)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load validations")
	}
	return vs, nil
}

// GetActive returns the unexpired validations for an agent.
func (l *Ledger) GetActive(ctx context.Context, agentID model.AgentID) ([]model.Validation, error) {
	vs, err := l.GetAll(ctx, agentID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make([]model.Validation, 0, len(vs))
	for _, v := range vs {
		if v.Active(now) {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetByType returns an agent's validations of one type, expired included.
func (l *Ledger) GetByType(ctx context.Context, agentID model.AgentID, vtype model.ValidationType) ([]model.Validation, error) {
	vs, err := l.GetAll(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Validation, 0, len(vs))
	for _, v := range vs {
		if v.Type == vtype {
			out = append(out, v)
		}
	}
	return out, nil
}

// Score returns the agent's validation pass rate as a percentage, 0 when the
// agent has no validation records.
func (l *Ledger) Score(ctx context.Context, agentID model.AgentID) (int64, error) {
	stats, err := l.Stats(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if stats.Total == 0 {
		return 0, nil
	}
	return stats.Passed * 100 / stats.Total, nil
}

// Stats returns the derived validation aggregate for an agent.
func (l *Ledger) Stats(ctx context.Context, agentID model.AgentID) (*model.ValidationStats, error) {
	stats, err := l.store.ValidationStats(ctx, agentID)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load validation stats")
	}
	return stats, nil
}

// HasActiveValidationOfType reports whether the agent holds at least one
// passed, unexpired validation of the given type.
func (l *Ledger) HasActiveValidationOfType(ctx context.Context, agentID model.AgentID, vtype model.ValidationType) (bool, error) {
	vs, err := l.GetAll(ctx, agentID)
	if err != nil {
		return false, err
	}
	now := l.now()
	for _, v := range vs {
		if v.Type == vtype && v.Passed && v.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizeValidator adds an address to the validator set. Admin only.
func (l *Ledger) AuthorizeValidator(ctx context.Context, caller, validator string) error {
	if !l.auth.IsAdmin(caller) {
		return regerrors.New(regerrors.REG_NOT_AUTHORIZED, "only the admin may authorize validators")
	}
	if validator == "" {
		return regerrors.New(regerrors.REG_BAD_REQUEST, "validator address is required")
	}
	l.auth.GrantValidator(validator)
	return nil
}

// RevokeValidator removes an address from the validator set. Admin only.
// Existing records from the revoked validator remain in the log.
func (l *Ledger) RevokeValidator(ctx context.Context, caller, validator string) error {
	if !l.auth.IsAdmin(caller) {
		return regerrors.New(regerrors.REG_NOT_AUTHORIZED, "only the admin may revoke validators")
	}
	l.auth.RevokeValidator(validator)
	return nil
}

// Dispute flags a validation record. A record can be disputed at most once
// over its lifetime; the record itself is never mutated.
func (l *Ledger) Dispute(ctx context.Context, agentID model.AgentID, index int, raiser string) (*model.Dispute, error) {
	start := time.Now()

	if raiser == "" {
		l.observe("dispute", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "raiser address is required")
	}
	if index < 0 {
		l.observe("dispute", "error", start)
		return nil, regerrors.Newf(regerrors.REG_INDEX_OUT_OF_RANGE, "validation index %d is out of range", index)
	}

	d := model.Dispute{
		ID:       DeriveDisputeID(agentID, index),
		AgentID:  agentID,
		Index:    index,
		Raiser:   raiser,
		Status:   model.DisputeOpen,
		RaisedAt: l.now().UTC(),
	}

	if err := l.store.OpenDispute(ctx, d); err != nil {
		l.observe("dispute", "error", start)
		switch err {
		case storage.ErrNotFound:
			return nil, regerrors.Newf(regerrors.REG_INDEX_OUT_OF_RANGE, "agent %d has no validation at index %d", agentID, index)
		case storage.ErrAlreadyDisputed:
			return nil, regerrors.Newf(regerrors.REG_ALREADY_DISPUTED, "validation %d of agent %d is already disputed", index, agentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to open dispute")
	}

	l.observe("dispute", "success", start)
	return &d, nil
}

// GetDispute returns the dispute for a validation record, if any.
func (l *Ledger) GetDispute(ctx context.Context, agentID model.AgentID, index int) (*model.Dispute, error) {
	d, err := l.store.GetDispute(ctx, DeriveDisputeID(agentID, index))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "no dispute for validation %d of agent %d", index, agentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load dispute")
	}
	return d, nil
}

// ResolveDispute settles an open dispute. Admin only. Upholding keeps the
// dispute recorded as resolved; overturning clears the disputed flag. Either
// way the validation record is untouched.
func (l *Ledger) ResolveDispute(ctx context.Context, caller string, agentID model.AgentID, index int, overturned bool) (*model.Dispute, error) {
	start := time.Now()

	if !l.auth.IsAdmin(caller) {
		l.observe("resolve_dispute", "error", start)
		return nil, regerrors.New(regerrors.REG_NOT_AUTHORIZED, "only the admin may resolve disputes")
	}

	d, err := l.store.ResolveDispute(ctx, DeriveDisputeID(agentID, index), overturned)
	if err != nil {
		l.observe("resolve_dispute", "error", start)
		if err == storage.ErrNoDispute {
			return nil, regerrors.Newf(regerrors.REG_NO_ACTIVE_DISPUTE, "validation %d of agent %d has no open dispute", index, agentID)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to resolve dispute")
	}

	l.observe("resolve_dispute", "success", start)
	return d, nil
}
