package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
)

func testAgent(endpoint, owner string, caps ...string) model.AgentIdentity {
	return model.AgentIdentity{
		Name:         "agent",
		Description:  "test agent",
		Capabilities: caps,
		Endpoint:     endpoint,
		MetadataURI:  "ipfs://meta",
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
		Owner:        owner,
	}
}

func testPayment(id string, agentID model.AgentID, payer, txHash string, amount int64) model.Payment {
	return model.Payment{
		ID:                 id,
		AgentID:            agentID,
		Payer:              payer,
		Payee:              "0xpayee",
		Amount:             decimal.NewFromInt(amount),
		Token:              "USDC",
		ServiceDescription: "inference",
		Timestamp:          time.Now().UTC(),
		TxHash:             txHash,
	}
}

func TestCreateAgentAssignsMonotonicIDs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id1, err := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	id2, err := s.CreateAgent(ctx, testAgent("https://b.example", "0xowner", "translate"))
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if id2 != id1+1 {
		t.Errorf("expected monotonic ids, got %d then %d", id1, id2)
	}
}

func TestCreateAgentRejectsDuplicateEndpoint(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate")); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if _, err := s.CreateAgent(ctx, testAgent("https://a.example", "0xother", "summarize")); err != ErrDuplicateEndpoint {
		t.Fatalf("expected ErrDuplicateEndpoint, got %v", err)
	}
}

func TestUpdateAgentReindexesAtomically(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate", "summarize"))
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	if err := s.UpdateAgent(ctx, id, "0xowner", "updated", []string{"code-review"}, "ipfs://new"); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	// Old capabilities are gone from the index, new one is present.
	for _, old := range []string{"translate", "summarize"} {
		ids, err := s.AgentsByCapability(ctx, old)
		if err != nil {
			t.Fatalf("AgentsByCapability failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("stale capability %q still indexed: %v", old, ids)
		}
	}
	ids, err := s.AgentsByCapability(ctx, "code-review")
	if err != nil {
		t.Fatalf("AgentsByCapability failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("expected [%d] for code-review, got %v", id, ids)
	}

	agent, err := s.GetAgent(ctx, id)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.Description != "updated" || agent.MetadataURI != "ipfs://new" {
		t.Errorf("profile fields not updated: %+v", agent)
	}
}

func TestUpdateAgentRejectsNonOwner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	if err := s.UpdateAgent(ctx, id, "0xmallory", "hijack", []string{"x"}, ""); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSetAgentActiveNoop(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))

	// Agents start active; activating again is a permitted no-op.
	changed, err := s.SetAgentActive(ctx, id, "0xowner", true)
	if err != nil {
		t.Fatalf("SetAgentActive failed: %v", err)
	}
	if changed {
		t.Error("expected no-op activation to report changed=false")
	}

	changed, err = s.SetAgentActive(ctx, id, "0xowner", false)
	if err != nil {
		t.Fatalf("SetAgentActive failed: %v", err)
	}
	if !changed {
		t.Error("expected deactivation to report changed=true")
	}
}

func TestTransferAgentOwnerMovesOwnerIndex(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xalice", "translate"))

	if err := s.TransferAgentOwner(ctx, id, "0xalice", "0xbob"); err != nil {
		t.Fatalf("TransferAgentOwner failed: %v", err)
	}

	aliceAgents, _ := s.AgentsByOwner(ctx, "0xalice")
	if len(aliceAgents) != 0 {
		t.Errorf("old owner still indexed: %v", aliceAgents)
	}
	bobAgents, _ := s.AgentsByOwner(ctx, "0xbob")
	if len(bobAgents) != 1 || bobAgents[0] != id {
		t.Errorf("new owner not indexed: %v", bobAgents)
	}

	// Old owner lost mutation rights with the transfer.
	if err := s.TransferAgentOwner(ctx, id, "0xalice", "0xcarol"); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner after transfer, got %v", err)
	}
}

func TestCreatePaymentRejectsDuplicateTxHash(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))

	if err := s.CreatePayment(ctx, testPayment("0xpay1", id, "0xpayer", "0xtx1", 100)); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if err := s.CreatePayment(ctx, testPayment("0xpay2", id, "0xpayer", "0xtx1", 200)); err != ErrDuplicateTx {
		t.Fatalf("expected ErrDuplicateTx, got %v", err)
	}
}

func TestMarkPaymentVerifiedAccruesEarningsOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	if err := s.CreatePayment(ctx, testPayment("0xpay1", id, "0xpayer", "0xtx1", 100)); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	pay, err := s.MarkPaymentVerified(ctx, "0xpay1")
	if err != nil {
		t.Fatalf("MarkPaymentVerified failed: %v", err)
	}
	if !pay.Verified {
		t.Error("payment not marked verified")
	}

	// Second verification is rejected and must not double-credit.
	if _, err := s.MarkPaymentVerified(ctx, "0xpay1"); err != ErrAlreadyVerified {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}

	stats, err := s.AgentPaymentStats(ctx, id)
	if err != nil {
		t.Fatalf("AgentPaymentStats failed: %v", err)
	}
	if stats.VerifiedCount != 1 {
		t.Errorf("expected verified count 1, got %d", stats.VerifiedCount)
	}
	if !stats.TotalEarnings.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected earnings 100, got %s", stats.TotalEarnings)
	}
}

func TestRefundedPaymentCannotVerify(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	if err := s.CreatePayment(ctx, testPayment("0xpay1", id, "0xpayer", "0xtx1", 100)); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if _, err := s.MarkPaymentRefunded(ctx, "0xpay1"); err != nil {
		t.Fatalf("MarkPaymentRefunded failed: %v", err)
	}
	if _, err := s.MarkPaymentVerified(ctx, "0xpay1"); err != ErrRefunded {
		t.Fatalf("expected ErrRefunded, got %v", err)
	}
}

func verifiedPayment(t *testing.T, s Store, id model.AgentID, payID, payer, tx string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreatePayment(ctx, testPayment(payID, id, payer, tx, 100)); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if _, err := s.MarkPaymentVerified(ctx, payID); err != nil {
		t.Fatalf("MarkPaymentVerified failed: %v", err)
	}
}

func TestAppendFeedbackConsumesProofExactlyOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	verifiedPayment(t, s, id, "0xpay1", "0xpayer", "0xtx1")

	fb := model.Feedback{
		AgentID:        id,
		Reviewer:       "0xpayer",
		Rating:         4,
		PaymentProofID: "0xpay1",
		Timestamp:      time.Now().UTC(),
		Verified:       true,
	}
	if used, err := s.ProofConsumed(ctx, "0xpay1"); err != nil || used {
		t.Fatalf("fresh proof reported consumed: %v %v", used, err)
	}

	score, err := s.AppendFeedback(ctx, fb)
	if err != nil {
		t.Fatalf("AppendFeedback failed: %v", err)
	}
	if score.FeedbackCount != 1 || score.AverageRating != 400 {
		t.Errorf("unexpected score after first feedback: %+v", score)
	}
	if used, err := s.ProofConsumed(ctx, "0xpay1"); err != nil || !used {
		t.Fatalf("consumed proof not reported: %v %v", used, err)
	}

	if _, err := s.AppendFeedback(ctx, fb); err != ErrProofUsed {
		t.Fatalf("expected ErrProofUsed on reuse, got %v", err)
	}

	// The failed reuse must not have touched the aggregate.
	after, _ := s.ReputationScore(ctx, id)
	if after.FeedbackCount != 1 || after.TotalRating != 4 {
		t.Errorf("aggregate changed by rejected feedback: %+v", after)
	}
}

func TestAppendFeedbackConcurrentProofReuse(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	verifiedPayment(t, s, id, "0xpay1", "0xpayer", "0xtx1")

	fb := model.Feedback{
		AgentID:        id,
		Reviewer:       "0xpayer",
		Rating:         5,
		PaymentProofID: "0xpay1",
		Timestamp:      time.Now().UTC(),
		Verified:       true,
	}

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendFeedback(ctx, fb); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("proof consumed %d times, want exactly 1", accepted)
	}
	score, _ := s.ReputationScore(ctx, id)
	if score.FeedbackCount != 1 {
		t.Errorf("expected exactly one feedback entry, got %d", score.FeedbackCount)
	}
}

func TestAppendFeedbackRecheck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	verifiedPayment(t, s, id, "0xpay1", "0xpayer", "0xtx1")

	// A refund landing between the service's qualification read and the
	// storage commit is caught by the commit-time re-check.
	if _, err := s.MarkPaymentRefunded(ctx, "0xpay1"); err != nil {
		t.Fatalf("MarkPaymentRefunded failed: %v", err)
	}

	fb := model.Feedback{
		AgentID:        id,
		Reviewer:       "0xpayer",
		Rating:         5,
		PaymentProofID: "0xpay1",
		Timestamp:      time.Now().UTC(),
		Verified:       true,
	}
	if _, err := s.AppendFeedback(ctx, fb); err != ErrRefunded {
		t.Fatalf("expected ErrRefunded from commit re-check, got %v", err)
	}
}

func TestFeedbackPagination(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	for i := 0; i < 5; i++ {
		payID := string(rune('a' + i))
		verifiedPayment(t, s, id, "0xpay"+payID, "0xpayer", "0xtx"+payID)
		if _, err := s.AppendFeedback(ctx, model.Feedback{
			AgentID:        id,
			Reviewer:       "0xpayer",
			Rating:         i%5 + 1,
			PaymentProofID: "0xpay" + payID,
			Timestamp:      time.Now().UTC(),
			Verified:       true,
		}); err != nil {
			t.Fatalf("AppendFeedback %d failed: %v", i, err)
		}
	}

	page, err := s.FeedbackByAgent(ctx, id, 1, 2)
	if err != nil {
		t.Fatalf("FeedbackByAgent failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	if page[0].Rating != 2 || page[1].Rating != 3 {
		t.Errorf("page out of insertion order: %+v", page)
	}

	// Out-of-range offset yields an empty page, not an error.
	empty, err := s.FeedbackByAgent(ctx, id, 100, 10)
	if err != nil {
		t.Fatalf("FeedbackByAgent failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty page, got %d entries", len(empty))
	}

	// A non-positive limit means no limit: everything from offset.
	rest, err := s.FeedbackByAgent(ctx, id, 2, 0)
	if err != nil {
		t.Fatalf("FeedbackByAgent failed: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("expected remaining 3 entries for zero limit, got %d", len(rest))
	}
}

func TestTopAgentsOrderingAndFilter(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	// Two rated agents plus one below the feedback floor.
	ids := make([]model.AgentID, 3)
	for i := range ids {
		ids[i], _ = s.CreateAgent(ctx, testAgent("https://agent"+string(rune('a'+i))+".example", "0xowner", "translate"))
	}

	rate := func(agent model.AgentID, ratings ...int) {
		for j, r := range ratings {
			payID := string(rune('0'+int(agent))) + "-" + string(rune('a'+j))
			verifiedPayment(t, s, agent, "0xpay"+payID, "0xpayer", "0xtx"+payID)
			if _, err := s.AppendFeedback(ctx, model.Feedback{
				AgentID:        agent,
				Reviewer:       "0xpayer",
				Rating:         r,
				PaymentProofID: "0xpay" + payID,
				Timestamp:      time.Now().UTC(),
				Verified:       true,
			}); err != nil {
				t.Fatalf("AppendFeedback failed: %v", err)
			}
		}
	}
	rate(ids[0], 3, 3)
	rate(ids[1], 5, 5)
	rate(ids[2], 5) // Below the floor with minFeedback=2

	ranked, err := s.TopAgents(ctx, 2, 10)
	if err != nil {
		t.Fatalf("TopAgents failed: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked agents, got %d", len(ranked))
	}
	if ranked[0].AgentID != ids[1] || ranked[1].AgentID != ids[0] {
		t.Errorf("unexpected ranking order: %+v", ranked)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	if _, err := s.AppendValidation(ctx, model.Validation{
		AgentID:    id,
		Type:       model.ValidationTEE,
		Validator:  "0xval",
		Passed:     true,
		ResultHash: "0xhash",
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendValidation failed: %v", err)
	}

	// Index past the log is rejected.
	if err := s.OpenDispute(ctx, model.Dispute{ID: "0xd99", AgentID: id, Index: 5, Raiser: "0xr", Status: model.DisputeOpen, RaisedAt: time.Now().UTC()}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for out-of-range index, got %v", err)
	}

	d := model.Dispute{ID: "0xd1", AgentID: id, Index: 0, Raiser: "0xr", Status: model.DisputeOpen, RaisedAt: time.Now().UTC()}
	if err := s.OpenDispute(ctx, d); err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if err := s.OpenDispute(ctx, d); err != ErrAlreadyDisputed {
		t.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}

	resolved, err := s.ResolveDispute(ctx, "0xd1", false)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if resolved.Status != model.DisputeUpheld {
		t.Errorf("expected upheld status, got %s", resolved.Status)
	}
	if resolved.ResolvedAt.IsZero() {
		t.Error("expected resolvedAt to be set")
	}

	// Double resolution is rejected.
	if _, err := s.ResolveDispute(ctx, "0xd1", true); err != ErrNoDispute {
		t.Fatalf("expected ErrNoDispute, got %v", err)
	}

	// The validation record itself was never mutated.
	vs, _ := s.ValidationsByAgent(ctx, id)
	if len(vs) != 1 || !vs[0].Passed || vs[0].ResultHash != "0xhash" {
		t.Errorf("validation record mutated by dispute: %+v", vs)
	}
}

func TestValidationStatsFollowLog(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	id, _ := s.CreateAgent(ctx, testAgent("https://a.example", "0xowner", "translate"))
	outcomes := []bool{true, false, true, true}
	for i, passed := range outcomes {
		index, err := s.AppendValidation(ctx, model.Validation{
			AgentID:    id,
			Type:       model.ValidationAutomatedTest,
			Validator:  "0xval",
			Passed:     passed,
			ResultHash: "0xhash",
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendValidation %d failed: %v", i, err)
		}
		if index != i {
			t.Errorf("expected index %d, got %d", i, index)
		}
	}

	stats, err := s.ValidationStats(ctx, id)
	if err != nil {
		t.Fatalf("ValidationStats failed: %v", err)
	}
	if stats.Total != 4 || stats.Passed != 3 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}
