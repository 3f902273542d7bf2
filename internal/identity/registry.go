// Package identity implements the agent identity registry: registration,
// profile updates, activation, ownership transfer and discovery.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"time"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

// Registry is the identity service. All mutations go through the underlying
// store, which owns atomicity; the service owns validation, error mapping and
// event emission.
type Registry struct {
	store   storage.Store
	events  event.Publisher
	metrics *metrics.Metrics
}

// NewRegistry wires an identity Registry.
func NewRegistry(store storage.Store, events event.Publisher, m *metrics.Metrics) *Registry {
	return &Registry{store: store, events: events, metrics: m}
}

// RegisterParams carries the inputs for a new agent registration.
type RegisterParams struct {
	Name         string
	Description  string
	Capabilities []string
	Endpoint     string
	MetadataURI  string
	Owner        string
}

func (r *Registry) observe(op, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RegistryOperationTotal.WithLabelValues("identity", op, status).Inc()
	r.metrics.RegistryOperationDuration.WithLabelValues("identity", op, status).Observe(time.Since(start).Seconds())
}

// normalizeCapabilities trims whitespace and drops empty entries.
func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Register creates a new agent identity. The endpoint must be globally unique
// and the capability set non-empty.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*model.AgentIdentity, error) {
	start := time.Now()

	if p.Name == "" {
		r.observe("register", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "agent name is required")
	}
	if p.Endpoint == "" {
		r.observe("register", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "agent endpoint is required")
	}
	if p.Owner == "" {
		r.observe("register", "error", start)
		return nil, regerrors.New(regerrors.REG_BAD_REQUEST, "agent owner is required")
	}
	caps := normalizeCapabilities(p.Capabilities)
	if len(caps) == 0 {
		r.observe("register", "error", start)
		return nil, regerrors.New(regerrors.REG_EMPTY_CAPABILITIES, "at least one capability is required")
	}

	agent := model.AgentIdentity{
		Name:         p.Name,
		Description:  p.Description,
		Capabilities: caps,
		Endpoint:     p.Endpoint,
		MetadataURI:  p.MetadataURI,
		CreatedAt:    time.Now().UTC(),
		IsActive:     true,
		Owner:        p.Owner,
	}

	id, err := r.store.CreateAgent(ctx, agent)
	if err != nil {
		r.observe("register", "error", start)
		if err == storage.ErrDuplicateEndpoint {
			return nil, regerrors.Newf(regerrors.REG_DUPLICATE_ENDPOINT, "endpoint %q is already registered", p.Endpoint)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to register agent")
	}
	agent.ID = id

	if err := r.events.PublishAgentRegistered(ctx, agent); err != nil {
		slog.Warn("failed to publish agent registered event", "agentId", id, "error", err)
	}

	r.observe("register", "success", start)
	return &agent, nil
}

// Get returns the identity for id.
func (r *Registry) Get(ctx context.Context, id model.AgentID) (*model.AgentIdentity, error) {
	agent, err := r.store.GetAgent(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", id)
		}
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load agent")
	}
	return agent, nil
}

// Update replaces the mutable profile fields of an agent. Only the current
// owner may update; the capability re-index is atomic with the profile write.
func (r *Registry) Update(ctx context.Context, id model.AgentID, caller, description string, capabilities []string, metadataURI string) error {
	start := time.Now()

	caps := normalizeCapabilities(capabilities)
	if len(caps) == 0 {
		r.observe("update", "error", start)
		return regerrors.New(regerrors.REG_EMPTY_CAPABILITIES, "at least one capability is required")
	}

	if err := r.store.UpdateAgent(ctx, id, caller, description, caps, metadataURI); err != nil {
		r.observe("update", "error", start)
		switch err {
		case storage.ErrNotFound:
			return regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", id)
		case storage.ErrNotOwner:
			return regerrors.New(regerrors.REG_NOT_OWNER, "caller does not own this agent")
		}
		return regerrors.New(regerrors.REG_INTERNAL, "failed to update agent")
	}

	r.observe("update", "success", start)
	return nil
}

// SetActive toggles the availability flag. Setting the current value is a
// permitted no-op; the returned bool reports whether the state changed.
func (r *Registry) SetActive(ctx context.Context, id model.AgentID, caller string, active bool) (bool, error) {
	start := time.Now()

	changed, err := r.store.SetAgentActive(ctx, id, caller, active)
	if err != nil {
		r.observe("set_active", "error", start)
		switch err {
		case storage.ErrNotFound:
			return false, regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", id)
		case storage.ErrNotOwner:
			return false, regerrors.New(regerrors.REG_NOT_OWNER, "caller does not own this agent")
		}
		return false, regerrors.New(regerrors.REG_INTERNAL, "failed to update agent state")
	}

	r.observe("set_active", "success", start)
	return changed, nil
}

// TransferOwnership hands an agent to a new owner. Only the current owner may
// transfer; the owner index update is atomic with the owner write.
func (r *Registry) TransferOwnership(ctx context.Context, id model.AgentID, from, to string) error {
	start := time.Now()

	if to == "" {
		r.observe("transfer", "error", start)
		return regerrors.New(regerrors.REG_BAD_REQUEST, "new owner address is required")
	}

	if err := r.store.TransferAgentOwner(ctx, id, from, to); err != nil {
		r.observe("transfer", "error", start)
		switch err {
		case storage.ErrNotFound:
			return regerrors.Newf(regerrors.REG_NOT_FOUND, "agent %d not found", id)
		case storage.ErrNotOwner:
			return regerrors.New(regerrors.REG_NOT_OWNER, "caller does not own this agent")
		}
		return regerrors.New(regerrors.REG_INTERNAL, "failed to transfer ownership")
	}

	if err := r.events.PublishOwnershipTransferred(ctx, id, from, to); err != nil {
		slog.Warn("failed to publish ownership transferred event", "agentId", id, "error", err)
	}

	r.observe("transfer", "success", start)
	return nil
}

// FindByCapability returns the ids of all agents advertising capability.
func (r *Registry) FindByCapability(ctx context.Context, capability string) ([]model.AgentID, error) {
	ids, err := r.store.AgentsByCapability(ctx, capability)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to query capability index")
	}
	return ids, nil
}

// FindByOwner returns the ids of all agents controlled by owner.
func (r *Registry) FindByOwner(ctx context.Context, owner string) ([]model.AgentID, error) {
	ids, err := r.store.AgentsByOwner(ctx, owner)
	if err != nil {
		return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to query owner index")
	}
	return ids, nil
}

// Discover returns the full identities of active agents advertising
// capability. Inactive agents are filtered out of discovery results.
func (r *Registry) Discover(ctx context.Context, capability string) ([]model.AgentIdentity, error) {
	ids, err := r.FindByCapability(ctx, capability)
	if err != nil {
		return nil, err
	}

	out := make([]model.AgentIdentity, 0, len(ids))
	for _, id := range ids {
		agent, err := r.store.GetAgent(ctx, id)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, regerrors.New(regerrors.REG_INTERNAL, "failed to load agent")
		}
		if agent.IsActive {
			out = append(out, *agent)
		}
	}
	return out, nil
}
