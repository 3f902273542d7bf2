// Package conformance provides a harness for exercising the registry's core
// behavioral guarantees against a fully wired service stack.
package conformance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/identity"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/payment"
	"github.com/AgentMesh/agentmesh-registry-go/internal/reputation"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/server"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
	"github.com/AgentMesh/agentmesh-registry-go/internal/validation"
)

// Well-known harness addresses.
const (
	Admin     = "0xadmin"
	Verifier  = "0xverifier"
	Validator = "0xvalidator"
)

// Harness wires the full registry stack over the in-memory store and a no-op
// publisher, plus an httptest server for the read surface.
type Harness struct {
	Store       storage.Store
	Agents      *identity.Registry
	Payments    *payment.Ledger
	Reputation  *reputation.Ledger
	Validations *validation.Ledger
	Server      *httptest.Server
}

// NewHarness builds a fresh harness. Close releases the test server.
func NewHarness() *Harness {
	store := storage.NewMemory()
	auth := roles.NewAuthorizer(Admin, []string{Verifier}, []string{Validator})
	pub := event.NewNoop()

	agents := identity.NewRegistry(store, pub, nil)
	payments := payment.NewLedger(store, pub, nil, auth)
	rep := reputation.NewLedger(store, payments, pub, nil, auth)
	validations := validation.NewLedger(store, pub, nil, auth)

	mux := server.NewMux(store, agents, payments, rep, validations, 1)

	return &Harness{
		Store:       store,
		Agents:      agents,
		Payments:    payments,
		Reputation:  rep,
		Validations: validations,
		Server:      httptest.NewServer(mux),
	}
}

// Close shuts down the harness.
func (h *Harness) Close() {
	h.Server.Close()
	h.Store.Close()
}

// Get issues a GET against the harness read surface.
func (h *Harness) Get(path string) (*http.Response, error) {
	return http.Get(h.Server.URL + path)
}

// RegisterAgent registers a harness agent with sensible defaults.
func (h *Harness) RegisterAgent(ctx context.Context, endpoint, owner string, caps ...string) (*model.AgentIdentity, error) {
	return h.Agents.Register(ctx, identity.RegisterParams{
		Name:         "conformance-agent",
		Description:  "harness agent",
		Capabilities: caps,
		Endpoint:     endpoint,
		Owner:        owner,
	})
}

// VerifiedPayment records and verifies a payment, returning it ready for use
// as a feedback proof.
func (h *Harness) VerifiedPayment(ctx context.Context, agentID model.AgentID, payer, txHash string, amount int64) (*model.Payment, error) {
	pay, err := h.Payments.Record(ctx, payment.RecordParams{
		AgentID:            agentID,
		Payer:              payer,
		Payee:              "0xpayee",
		Amount:             decimal.NewFromInt(amount),
		Token:              "USDC",
		ServiceDescription: "conformance run",
		Timestamp:          time.Now().UTC(),
		TxHash:             txHash,
	})
	if err != nil {
		return nil, err
	}
	return h.Payments.Verify(ctx, Verifier, pay.ID)
}

// SubmitFeedback submits proof-bound feedback through the reputation ledger.
func (h *Harness) SubmitFeedback(ctx context.Context, agentID model.AgentID, reviewer, proofID string, rating int) (*model.ReputationScore, error) {
	return h.Reputation.SubmitFeedback(ctx, reputation.SubmitParams{
		AgentID:        agentID,
		Reviewer:       reviewer,
		Rating:         rating,
		Comment:        "conformance feedback",
		PaymentProofID: proofID,
	})
}
