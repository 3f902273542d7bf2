// internal/storage/memory.go
// In-memory Store implementation. Records live in arenas keyed by id with
// id-set secondary indexes; a single RWMutex makes every operation one
// atomic unit. Intended for development, testing, and the conformance harness.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/shopspring/decimal"
)

type memory struct {
	mu sync.RWMutex

	// Agent identity arena and indexes
	nextAgentID  model.AgentID
	agents       map[model.AgentID]*model.AgentIdentity
	endpoints    map[string]model.AgentID              // endpoint -> agent (uniqueness)
	byCapability map[string]map[model.AgentID]struct{} // capability -> id set
	byOwner      map[string]map[model.AgentID]struct{} // owner -> id set

	// Payment arena and indexes
	payments        map[string]*model.Payment
	txIndex         map[string]string // txHash -> payment id (replay check)
	paymentsByAgent map[model.AgentID][]string
	paymentsByPayer map[string][]string
	paymentStats    map[model.AgentID]*model.AgentPaymentStats
	totalPayments   int64
	totalVolume     decimal.Decimal

	// Reputation state
	feedback   map[model.AgentID][]model.Feedback
	usedProofs map[string]struct{}
	scores     map[model.AgentID]*model.ReputationScore
	blocked    map[string]struct{}

	// Validation state
	validations map[model.AgentID][]model.Validation
	vstats      map[model.AgentID]*model.ValidationStats
	disputes    map[string]*model.Dispute
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		nextAgentID:     1,
		agents:          make(map[model.AgentID]*model.AgentIdentity),
		endpoints:       make(map[string]model.AgentID),
		byCapability:    make(map[string]map[model.AgentID]struct{}),
		byOwner:         make(map[string]map[model.AgentID]struct{}),
		payments:        make(map[string]*model.Payment),
		txIndex:         make(map[string]string),
		paymentsByAgent: make(map[model.AgentID][]string),
		paymentsByPayer: make(map[string][]string),
		paymentStats:    make(map[model.AgentID]*model.AgentPaymentStats),
		totalVolume:     decimal.Zero,
		feedback:        make(map[model.AgentID][]model.Feedback),
		usedProofs:      make(map[string]struct{}),
		scores:          make(map[model.AgentID]*model.ReputationScore),
		blocked:         make(map[string]struct{}),
		validations:     make(map[model.AgentID][]model.Validation),
		vstats:          make(map[model.AgentID]*model.ValidationStats),
		disputes:        make(map[string]*model.Dispute),
	}
}

// sortedIDs returns an id set as a sorted slice so reads are stable.
func sortedIDs(set map[model.AgentID]struct{}) []model.AgentID {
	ids := make([]model.AgentID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memory) addToIndex(index map[string]map[model.AgentID]struct{}, key string, id model.AgentID) {
	set, ok := index[key]
	if !ok {
		set = make(map[model.AgentID]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func (m *memory) removeFromIndex(index map[string]map[model.AgentID]struct{}, key string, id model.AgentID) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (m *memory) CreateAgent(ctx context.Context, a model.AgentIdentity) (model.AgentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[a.Endpoint]; exists {
		return 0, ErrDuplicateEndpoint
	}

	a.ID = m.nextAgentID
	m.nextAgentID++

	agentCopy := a
	agentCopy.Capabilities = append([]string(nil), a.Capabilities...)
	m.agents[a.ID] = &agentCopy
	m.endpoints[a.Endpoint] = a.ID
	for _, c := range a.Capabilities {
		m.addToIndex(m.byCapability, c, a.ID)
	}
	m.addToIndex(m.byOwner, a.Owner, a.ID)

	return a.ID, nil
}

func (m *memory) GetAgent(ctx context.Context, id model.AgentID) (*model.AgentIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.agents[id]
	if !exists {
		return nil, ErrNotFound
	}
	agentCopy := *a
	agentCopy.Capabilities = append([]string(nil), a.Capabilities...)
	return &agentCopy, nil
}

func (m *memory) UpdateAgent(ctx context.Context, id model.AgentID, caller, description string, capabilities []string, metadataURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	if a.Owner != caller {
		return ErrNotOwner
	}

	// Remove the old capability entries, then add the new ones. Both sides
	// happen under the same lock so no reader sees a half-applied re-index.
	for _, c := range a.Capabilities {
		m.removeFromIndex(m.byCapability, c, id)
	}
	a.Capabilities = append([]string(nil), capabilities...)
	for _, c := range a.Capabilities {
		m.addToIndex(m.byCapability, c, id)
	}
	a.Description = description
	a.MetadataURI = metadataURI

	return nil
}

func (m *memory) SetAgentActive(ctx context.Context, id model.AgentID, caller string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return false, ErrNotFound
	}
	if a.Owner != caller {
		return false, ErrNotOwner
	}
	if a.IsActive == active {
		return false, nil
	}
	a.IsActive = active
	return true, nil
}

func (m *memory) TransferAgentOwner(ctx context.Context, id model.AgentID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return ErrNotFound
	}
	if a.Owner != from {
		return ErrNotOwner
	}

	m.removeFromIndex(m.byOwner, from, id)
	a.Owner = to
	m.addToIndex(m.byOwner, to, id)

	return nil
}

func (m *memory) AgentsByCapability(ctx context.Context, capability string) ([]model.AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.byCapability[capability]), nil
}

func (m *memory) AgentsByOwner(ctx context.Context, owner string) ([]model.AgentID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.byOwner[owner]), nil
}

func (m *memory) CreatePayment(ctx context.Context, p model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.txIndex[p.TxHash]; seen {
		return ErrDuplicateTx
	}
	if _, exists := m.payments[p.ID]; exists {
		return ErrIDCollision
	}

	paymentCopy := p
	m.payments[p.ID] = &paymentCopy
	m.txIndex[p.TxHash] = p.ID
	m.paymentsByAgent[p.AgentID] = append(m.paymentsByAgent[p.AgentID], p.ID)
	m.paymentsByPayer[p.Payer] = append(m.paymentsByPayer[p.Payer], p.ID)

	stats := m.statsFor(p.AgentID)
	stats.Count++
	m.totalPayments++
	m.totalVolume = m.totalVolume.Add(p.Amount)

	return nil
}

// statsFor returns the mutable stats entry for an agent, creating it on first use.
func (m *memory) statsFor(agentID model.AgentID) *model.AgentPaymentStats {
	stats, ok := m.paymentStats[agentID]
	if !ok {
		stats = &model.AgentPaymentStats{AgentID: agentID, TotalEarnings: decimal.Zero}
		m.paymentStats[agentID] = stats
	}
	return stats
}

func (m *memory) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.payments[id]
	if !exists {
		return nil, ErrNotFound
	}
	paymentCopy := *p
	return &paymentCopy, nil
}

func (m *memory) MarkPaymentVerified(ctx context.Context, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.payments[id]
	if !exists {
		return nil, ErrNotFound
	}
	if p.Refunded {
		return nil, ErrRefunded
	}
	if p.Verified {
		return nil, ErrAlreadyVerified
	}

	// Earnings accrue exactly here, never at recording time.
	p.Verified = true
	stats := m.statsFor(p.AgentID)
	stats.VerifiedCount++
	stats.TotalEarnings = stats.TotalEarnings.Add(p.Amount)

	paymentCopy := *p
	return &paymentCopy, nil
}

func (m *memory) MarkPaymentRefunded(ctx context.Context, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.payments[id]
	if !exists {
		return nil, ErrNotFound
	}
	if p.Refunded {
		return nil, ErrRefunded
	}
	p.Refunded = true

	paymentCopy := *p
	return &paymentCopy, nil
}

func (m *memory) PaymentsByAgent(ctx context.Context, agentID model.AgentID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paymentsByAgent[agentID]...), nil
}

func (m *memory) PaymentsByPayer(ctx context.Context, payer string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paymentsByPayer[payer]...), nil
}

func (m *memory) TxRecorded(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, seen := m.txIndex[txHash]
	return seen, nil
}

func (m *memory) AgentPaymentStats(ctx context.Context, agentID model.AgentID) (*model.AgentPaymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.paymentStats[agentID]
	if !ok {
		return &model.AgentPaymentStats{AgentID: agentID, TotalEarnings: decimal.Zero}, nil
	}
	statsCopy := *stats
	return &statsCopy, nil
}

func (m *memory) GlobalPaymentStats(ctx context.Context) (*model.GlobalPaymentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &model.GlobalPaymentStats{TotalPayments: m.totalPayments, TotalVolume: m.totalVolume}, nil
}

func (m *memory) AppendFeedback(ctx context.Context, fb model.Feedback) (*model.ReputationScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.usedProofs[fb.PaymentProofID]; used {
		return nil, ErrProofUsed
	}

	// Re-check the proof payment under the commit lock: a refund between the
	// ledger's read-only verification query and this commit must still reject.
	p, exists := m.payments[fb.PaymentProofID]
	if !exists {
		return nil, ErrNotFound
	}
	if p.Refunded {
		return nil, ErrRefunded
	}
	if !p.Verified {
		return nil, ErrPaymentUnverified
	}

	m.usedProofs[fb.PaymentProofID] = struct{}{}
	m.feedback[fb.AgentID] = append(m.feedback[fb.AgentID], fb)

	score, ok := m.scores[fb.AgentID]
	if !ok {
		score = &model.ReputationScore{}
		m.scores[fb.AgentID] = score
	}
	score.TotalRating += int64(fb.Rating)
	score.FeedbackCount++
	score.AverageRating = score.TotalRating * model.RatingScale / score.FeedbackCount

	scoreCopy := *score
	return &scoreCopy, nil
}

func (m *memory) ProofConsumed(ctx context.Context, proofID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, used := m.usedProofs[proofID]
	return used, nil
}

func (m *memory) FeedbackByAgent(ctx context.Context, agentID model.AgentID, offset, limit int) ([]model.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.feedback[agentID]
	if offset < 0 || offset >= len(all) {
		return []model.Feedback{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]model.Feedback(nil), all[offset:end]...), nil
}

func (m *memory) ReputationScore(ctx context.Context, agentID model.AgentID) (*model.ReputationScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score, ok := m.scores[agentID]
	if !ok {
		return &model.ReputationScore{}, nil
	}
	scoreCopy := *score
	return &scoreCopy, nil
}

func (m *memory) TopAgents(ctx context.Context, minFeedback int64, limit int) ([]model.RankedAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranked := make([]model.RankedAgent, 0)
	for id, score := range m.scores {
		if score.FeedbackCount < minFeedback {
			continue
		}
		ranked = append(ranked, model.RankedAgent{AgentID: id, Score: *score, Tier: model.TierFor(*score)})
	}
	// Highest average first; id ascending breaks ties for a stable order.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score.AverageRating == ranked[j].Score.AverageRating {
			return ranked[i].AgentID < ranked[j].AgentID
		}
		return ranked[i].Score.AverageRating > ranked[j].Score.AverageRating
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func (m *memory) SetReviewerBlocked(ctx context.Context, reviewer string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if blocked {
		m.blocked[reviewer] = struct{}{}
	} else {
		delete(m.blocked, reviewer)
	}
	return nil
}

func (m *memory) ReviewerBlocked(ctx context.Context, reviewer string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, blocked := m.blocked[reviewer]
	return blocked, nil
}

func (m *memory) AppendValidation(ctx context.Context, v model.Validation) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := len(m.validations[v.AgentID])
	m.validations[v.AgentID] = append(m.validations[v.AgentID], v)

	stats, ok := m.vstats[v.AgentID]
	if !ok {
		stats = &model.ValidationStats{}
		m.vstats[v.AgentID] = stats
	}
	stats.Total++
	if v.Passed {
		stats.Passed++
	} else {
		stats.Failed++
	}
	stats.LastValidation = v.Timestamp

	return index, nil
}

func (m *memory) ValidationsByAgent(ctx context.Context, agentID model.AgentID) ([]model.Validation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Validation(nil), m.validations[agentID]...), nil
}

func (m *memory) ValidationStats(ctx context.Context, agentID model.AgentID) (*model.ValidationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.vstats[agentID]
	if !ok {
		return &model.ValidationStats{}, nil
	}
	statsCopy := *stats
	return &statsCopy, nil
}

func (m *memory) OpenDispute(ctx context.Context, d model.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Index < 0 || d.Index >= len(m.validations[d.AgentID]) {
		return ErrNotFound
	}
	if _, exists := m.disputes[d.ID]; exists {
		return ErrAlreadyDisputed
	}

	disputeCopy := d
	m.disputes[d.ID] = &disputeCopy
	return nil
}

func (m *memory) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, exists := m.disputes[id]
	if !exists {
		return nil, ErrNotFound
	}
	disputeCopy := *d
	return &disputeCopy, nil
}

func (m *memory) ResolveDispute(ctx context.Context, id string, overturned bool) (*model.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, exists := m.disputes[id]
	if !exists {
		return nil, ErrNoDispute
	}
	if d.Status != model.DisputeOpen {
		return nil, ErrNoDispute
	}

	if overturned {
		d.Status = model.DisputeOverturned
	} else {
		d.Status = model.DisputeUpheld
	}
	d.ResolvedAt = time.Now().UTC()

	disputeCopy := *d
	return &disputeCopy, nil
}

// Close is a no-op for the in-memory store.
func (m *memory) Close() {}
