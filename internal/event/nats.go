// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams registry lifecycle events to support marketplace indexers and
// audit trails.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/schema"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

// Publisher defines the event publishing operations required by the registry.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Identity events
	PublishAgentRegistered(ctx context.Context, agent model.AgentIdentity) error
	PublishOwnershipTransferred(ctx context.Context, agentID model.AgentID, from, to string) error

	// Ledger events
	PublishPaymentRecorded(ctx context.Context, payment model.Payment) error
	PublishPaymentVerified(ctx context.Context, payment model.Payment) error
	PublishFeedbackAccepted(ctx context.Context, fb model.Feedback, score model.ReputationScore) error
	PublishValidationRecorded(ctx context.Context, v model.Validation, index int) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without event streaming.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishAgentRegistered(ctx context.Context, agent model.AgentIdentity) error {
	return nil
}

func (n *noop) PublishOwnershipTransferred(ctx context.Context, agentID model.AgentID, from, to string) error {
	return nil
}

func (n *noop) PublishPaymentRecorded(ctx context.Context, payment model.Payment) error { return nil }

func (n *noop) PublishPaymentVerified(ctx context.Context, payment model.Payment) error { return nil }

func (n *noop) PublishFeedbackAccepted(ctx context.Context, fb model.Feedback, score model.ReputationScore) error {
	return nil
}

func (n *noop) PublishValidationRecorded(ctx context.Context, v model.Validation, index int) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn
	js nats.JetStreamContext

	// Deduplication: event key -> last publish time
	dedup map[string]time.Time
	mutex sync.RWMutex

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// NewPublisher creates a NATS JetStream publisher. If url is empty or the
// connection fails, it falls back to the no-op publisher so the registry can
// keep serving without event streaming.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:      nc,
		js:      js,
		dedup:   make(map[string]time.Time),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// initStreams initializes the required NATS streams.
func initStreams(js nats.JetStreamContext) error {
	// REG_AGENTS carries identity lifecycle events
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "REG_AGENTS",
		Subjects:  []string{"registry.agents.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create REG_AGENTS stream: %w", err)
	}

	// REG_LEDGER carries payment, reputation and validation events
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "REG_LEDGER",
		Subjects:  []string{"registry.ledger.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create REG_LEDGER stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	EventID       string      `json:"eventId"`       // ULID, unique and sortable
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup checks if an event should be deduplicated based on the 2-minute window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < 2*time.Minute
	}
	return false
}

// updateDedup records a successful publish for key, evicting stale entries.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

func (p *natsPub) newEventID() string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// publish wraps payload in an envelope, validates it against the envelope
// schema, and publishes it to subject. dedupKey deduplicates repeat publishes
// of the same logical event.
func (p *natsPub) publish(subject, eventType, dedupKey string, payload interface{}) error {
	if p.shouldDedup(dedupKey) {
		return nil
	}

	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		EventID:       p.newEventID(),
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	// Malformed envelopes never reach the stream.
	if err := schema.ValidateEnvelope(b); err != nil {
		return fmt.Errorf("event envelope rejected: %w", err)
	}

	if _, err := p.js.Publish(subject, b); err != nil {
		return err
	}

	p.updateDedup(dedupKey)
	return nil
}

func (p *natsPub) PublishAgentRegistered(ctx context.Context, agent model.AgentIdentity) error {
	return p.publish(
		"registry.agents.registered",
		"registry.agents.registered",
		fmt.Sprintf("agent-registered:%d", agent.ID),
		agent,
	)
}

func (p *natsPub) PublishOwnershipTransferred(ctx context.Context, agentID model.AgentID, from, to string) error {
	payload := map[string]interface{}{
		"agentId": agentID,
		"from":    from,
		"to":      to,
	}
	return p.publish(
		"registry.agents.transferred",
		"registry.agents.transferred",
		fmt.Sprintf("agent-transferred:%d:%s", agentID, to),
		payload,
	)
}

func (p *natsPub) PublishPaymentRecorded(ctx context.Context, payment model.Payment) error {
	return p.publish(
		"registry.ledger.payment-recorded",
		"registry.ledger.payment-recorded",
		"payment-recorded:"+payment.ID,
		payment,
	)
}

func (p *natsPub) PublishPaymentVerified(ctx context.Context, payment model.Payment) error {
	return p.publish(
		"registry.ledger.payment-verified",
		"registry.ledger.payment-verified",
		"payment-verified:"+payment.ID,
		payment,
	)
}

func (p *natsPub) PublishFeedbackAccepted(ctx context.Context, fb model.Feedback, score model.ReputationScore) error {
	payload := map[string]interface{}{
		"feedback": fb,
		"score":    score,
	}
	return p.publish(
		"registry.ledger.feedback-accepted",
		"registry.ledger.feedback-accepted",
		"feedback-accepted:"+fb.PaymentProofID,
		payload,
	)
}

func (p *natsPub) PublishValidationRecorded(ctx context.Context, v model.Validation, index int) error {
	payload := map[string]interface{}{
		"validation": v,
		"index":      index,
	}
	return p.publish(
		"registry.ledger.validation-recorded",
		"registry.ledger.validation-recorded",
		fmt.Sprintf("validation-recorded:%d:%d", v.AgentID, index),
		payload,
	)
}
