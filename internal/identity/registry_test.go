package identity

import (
	"context"
	"testing"

	regerrors "github.com/AgentMesh/agentmesh-registry-go/internal/errors"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/model"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
)

func newTestRegistry() *Registry {
	return NewRegistry(storage.NewMemory(), event.NewNoop(), nil)
}

func register(t *testing.T, r *Registry, endpoint, owner string, caps ...string) *model.AgentIdentity {
	t.Helper()
	agent, err := r.Register(context.Background(), RegisterParams{
		Name:         "agent",
		Description:  "test agent",
		Capabilities: caps,
		Endpoint:     endpoint,
		Owner:        owner,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return agent
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	cases := []struct {
		name   string
		params RegisterParams
		code   regerrors.ErrorCode
	}{
		{"missing name", RegisterParams{Endpoint: "https://a", Owner: "0xo", Capabilities: []string{"x"}}, regerrors.REG_BAD_REQUEST},
		{"missing endpoint", RegisterParams{Name: "a", Owner: "0xo", Capabilities: []string{"x"}}, regerrors.REG_BAD_REQUEST},
		{"missing owner", RegisterParams{Name: "a", Endpoint: "https://a", Capabilities: []string{"x"}}, regerrors.REG_BAD_REQUEST},
		{"empty capabilities", RegisterParams{Name: "a", Endpoint: "https://a", Owner: "0xo"}, regerrors.REG_EMPTY_CAPABILITIES},
		{"whitespace capabilities", RegisterParams{Name: "a", Endpoint: "https://a", Owner: "0xo", Capabilities: []string{" ", ""}}, regerrors.REG_EMPTY_CAPABILITIES},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(ctx, tc.params)
			if regerrors.CodeOf(err) != tc.code {
				t.Errorf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestRegisterDuplicateEndpoint(t *testing.T) {
	r := newTestRegistry()
	register(t, r, "https://a.example", "0xalice", "translate")

	_, err := r.Register(context.Background(), RegisterParams{
		Name:         "other",
		Capabilities: []string{"summarize"},
		Endpoint:     "https://a.example",
		Owner:        "0xbob",
	})
	if regerrors.CodeOf(err) != regerrors.REG_DUPLICATE_ENDPOINT {
		t.Fatalf("expected REG_DUPLICATE_ENDPOINT, got %v", err)
	}
}

func TestUpdateOwnerOnly(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	agent := register(t, r, "https://a.example", "0xalice", "translate")

	err := r.Update(ctx, agent.ID, "0xbob", "new desc", []string{"summarize"}, "")
	if regerrors.CodeOf(err) != regerrors.REG_NOT_OWNER {
		t.Fatalf("expected REG_NOT_OWNER, got %v", err)
	}

	if err := r.Update(ctx, agent.ID, "0xalice", "new desc", []string{"summarize"}, "ipfs://new"); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := r.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Description != "new desc" || len(got.Capabilities) != 1 || got.Capabilities[0] != "summarize" {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestSetActiveNoopAndToggle(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	agent := register(t, r, "https://a.example", "0xalice", "translate")

	changed, err := r.SetActive(ctx, agent.ID, "0xalice", true)
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if changed {
		t.Error("re-activating an active agent should be a no-op")
	}

	changed, err = r.SetActive(ctx, agent.ID, "0xalice", false)
	if err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if !changed {
		t.Error("deactivation should report a state change")
	}
}

func TestTransferOwnershipRevokesOldOwner(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	agent := register(t, r, "https://a.example", "0xalice", "translate")

	if err := r.TransferOwnership(ctx, agent.ID, "0xalice", "0xbob"); err != nil {
		t.Fatalf("TransferOwnership failed: %v", err)
	}

	// The previous owner lost all mutation rights at the transfer.
	if err := r.Update(ctx, agent.ID, "0xalice", "x", []string{"y"}, ""); regerrors.CodeOf(err) != regerrors.REG_NOT_OWNER {
		t.Fatalf("expected REG_NOT_OWNER for old owner, got %v", err)
	}
	if err := r.Update(ctx, agent.ID, "0xbob", "x", []string{"y"}, ""); err != nil {
		t.Fatalf("new owner update failed: %v", err)
	}

	byBob, err := r.FindByOwner(ctx, "0xbob")
	if err != nil {
		t.Fatalf("FindByOwner failed: %v", err)
	}
	if len(byBob) != 1 || byBob[0] != agent.ID {
		t.Errorf("owner index not updated: %v", byBob)
	}
}

func TestDiscoverFiltersInactive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	a := register(t, r, "https://a.example", "0xalice", "translate")
	b := register(t, r, "https://b.example", "0xbob", "translate")

	if _, err := r.SetActive(ctx, b.ID, "0xbob", false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}

	found, err := r.Discover(ctx, "translate")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != a.ID {
		t.Errorf("expected only the active agent, got %+v", found)
	}

	// FindByCapability is the raw index; it keeps inactive agents.
	ids, err := r.FindByCapability(ctx, "translate")
	if err != nil {
		t.Fatalf("FindByCapability failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected both agents in the index, got %v", ids)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Get(context.Background(), 999); regerrors.CodeOf(err) != regerrors.REG_NOT_FOUND {
		t.Fatalf("expected REG_NOT_FOUND, got %v", err)
	}
}
