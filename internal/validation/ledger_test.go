package validation

import (
	"context"
	"testing"
	"time"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

const (
	admin     = "0xadmin"
	validator = "0xvalidator"
)

func newTestLedger(t *testing.T) (*Ledger, model.AgentID) {
	t.Helper()
	store := storage.NewMemory()
	auth := roles.NewAuthorizer(admin, nil, []string{validator})
	l := NewLedger(store, event.NewNoop(), nil, auth)

	id, err := store.CreateAgent(context.Background(), model.AgentIdentity{
		Name:         "agent",
		Capabilities: []string{"translate"},
		Endpoint:     "https://a.example",
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
		Owner:        "0xowner",
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	return l, id
}

func submit(t *testing.T, l *Ledger, agentID model.AgentID, vtype string, passed bool, expires time.Time) int {
	t.Helper()
	index, err := l.Submit(context.Background(), SubmitParams{
		AgentID:    agentID,
		Type:       vtype,
		Validator:  validator,
		Passed:     passed,
		ResultHash: "0xhash",
		ExpiresAt:  expires,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return index
}

func TestSubmitValidation(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params SubmitParams
		code   regerrors.ErrorCode
	}{
		{"unauthorized validator", SubmitParams{AgentID: id, Type: "tee", Validator: "0xrando", ResultHash: "0xh"}, regerrors.REG_NOT_AUTHORIZED},
		{"unknown type", SubmitParams{AgentID: id, Type: "vibes", Validator: validator, ResultHash: "0xh"}, regerrors.REG_INVALID_TYPE},
		{"empty result hash", SubmitParams{AgentID: id, Type: "tee", Validator: validator}, regerrors.REG_EMPTY_RESULT_HASH},
		{"unknown agent", SubmitParams{AgentID: 999, Type: "tee", Validator: validator, ResultHash: "0xh"}, regerrors.REG_NOT_FOUND},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Submit(ctx, tc.params)
			if regerrors.CodeOf(err) != tc.code {
				t.Errorf("expected %s, got %v", tc.code, err)
			}
		})
	}

	// Indexes grow with the log.
	if got := submit(t, l, id, "tee", true, time.Time{}); got != 0 {
		t.Errorf("expected first index 0, got %d", got)
	}
	if got := submit(t, l, id, "zk-proof", false, time.Time{}); got != 1 {
		t.Errorf("expected second index 1, got %d", got)
	}
}

func TestScorePercentage(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	// No records yields 0, not an error.
	score, err := l.Score(ctx, id)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 0 {
		t.Errorf("expected 0 for empty log, got %d", score)
	}

	submit(t, l, id, "automated-test", true, time.Time{})
	submit(t, l, id, "automated-test", true, time.Time{})
	submit(t, l, id, "automated-test", false, time.Time{})

	score, err = l.Score(ctx, id)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if score != 66 {
		t.Errorf("expected 66 (2/3), got %d", score)
	}
}

func TestActiveAndTypeFilters(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	submit(t, l, id, "tee", true, now.Add(time.Hour))
	submit(t, l, id, "tee", true, now.Add(-time.Hour)) // Already expired
	submit(t, l, id, "manual-review", true, time.Time{})

	active, err := l.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active validations, got %d", len(active))
	}

	byType, err := l.GetByType(ctx, id, model.ValidationTEE)
	if err != nil {
		t.Fatalf("GetByType failed: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("expected 2 tee validations (expiry ignored), got %d", len(byType))
	}
}

func TestHasActiveValidationOfType(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	submit(t, l, id, "tee", false, now.Add(time.Hour))  // Active but failed
	submit(t, l, id, "zk-proof", true, now.Add(-time.Hour)) // Passed but expired

	for _, vtype := range []model.ValidationType{model.ValidationTEE, model.ValidationZKProof} {
		ok, err := l.HasActiveValidationOfType(ctx, id, vtype)
		if err != nil {
			t.Fatalf("HasActiveValidationOfType failed: %v", err)
		}
		if ok {
			t.Errorf("expected no active passed %s validation", vtype)
		}
	}

	submit(t, l, id, "tee", true, now.Add(time.Hour))
	ok, err := l.HasActiveValidationOfType(ctx, id, model.ValidationTEE)
	if err != nil {
		t.Fatalf("HasActiveValidationOfType failed: %v", err)
	}
	if !ok {
		t.Error("expected active passed tee validation to be found")
	}
}

func TestValidatorAuthorizationLifecycle(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	params := SubmitParams{AgentID: id, Type: "tee", Validator: "0xnew", ResultHash: "0xh"}
	if _, err := l.Submit(ctx, params); regerrors.CodeOf(err) != regerrors.REG_NOT_AUTHORIZED {
		t.Fatalf("expected REG_NOT_AUTHORIZED before grant, got %v", err)
	}

	// Only the admin may grant.
	if err := l.AuthorizeValidator(ctx, validator, "0xnew"); regerrors.CodeOf(err) != regerrors.REG_NOT_AUTHORIZED {
		t.Fatalf("expected REG_NOT_AUTHORIZED for non-admin grant, got %v", err)
	}
	if err := l.AuthorizeValidator(ctx, admin, "0xnew"); err != nil {
		t.Fatalf("AuthorizeValidator failed: %v", err)
	}
	if _, err := l.Submit(ctx, params); err != nil {
		t.Fatalf("Submit after grant failed: %v", err)
	}

	if err := l.RevokeValidator(ctx, admin, "0xnew"); err != nil {
		t.Fatalf("RevokeValidator failed: %v", err)
	}
	if _, err := l.Submit(ctx, params); regerrors.CodeOf(err) != regerrors.REG_NOT_AUTHORIZED {
		t.Fatalf("expected REG_NOT_AUTHORIZED after revoke, got %v", err)
	}

	// Records from the revoked validator stay in the log.
	vs, err := l.GetAll(ctx, id)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(vs) != 1 || vs[0].Validator != "0xnew" {
		t.Errorf("expected revoked validator's record to remain: %+v", vs)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	l, id := newTestLedger(t)
	ctx := context.Background()

	submit(t, l, id, "tee", true, time.Time{})

	// Out-of-range index.
	if _, err := l.Dispute(ctx, id, 5, "0xraiser"); regerrors.CodeOf(err) != regerrors.REG_INDEX_OUT_OF_RANGE {
		t.Fatalf("expected REG_INDEX_OUT_OF_RANGE, got %v", err)
	}

	d, err := l.Dispute(ctx, id, 0, "0xraiser")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if d.Status != model.DisputeOpen || d.ID != DeriveDisputeID(id, 0) {
		t.Errorf("unexpected dispute: %+v", d)
	}

	// One dispute per record.
	if _, err := l.Dispute(ctx, id, 0, "0xother"); regerrors.CodeOf(err) != regerrors.REG_ALREADY_DISPUTED {
		t.Fatalf("expected REG_ALREADY_DISPUTED, got %v", err)
	}

	// Only the admin resolves.
	if _, err := l.ResolveDispute(ctx, "0xraiser", id, 0, true); regerrors.CodeOf(err) != regerrors.REG_NOT_AUTHORIZED {
		t.Fatalf("expected REG_NOT_AUTHORIZED, got %v", err)
	}

	resolved, err := l.ResolveDispute(ctx, admin, id, 0, true)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != model.DisputeOverturned {
		t.Errorf("expected overturned status, got %s", resolved.Status)
	}

	// No second resolution.
	if _, err := l.ResolveDispute(ctx, admin, id, 0, false); regerrors.CodeOf(err) != regerrors.REG_NO_ACTIVE_DISPUTE {
		t.Fatalf("expected REG_NO_ACTIVE_DISPUTE, got %v", err)
	}

	// The validation record was never mutated by the dispute flow.
	vs, _ := l.GetAll(ctx, id)
	if len(vs) != 1 || !vs[0].Passed {
		t.Errorf("validation record mutated: %+v", vs)
	}
}

func TestResolveWithoutDispute(t *testing.T) {
	l, id := newTestLedger(t)
	submit(t, l, id, "tee", true, time.Time{})

	if _, err := l.ResolveDispute(context.Background(), admin, id, 0, false); regerrors.CodeOf(err) != regerrors.REG_NO_ACTIVE_DISPUTE {
		t.Fatalf("expected REG_NO_ACTIVE_DISPUTE, got %v", err)
	}
}
