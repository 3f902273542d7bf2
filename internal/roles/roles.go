// internal/roles/roles.go
// Role checks for privileged registry operations. The admin and the initial
// verifier/validator sets come from configuration; validators can also be
// granted and revoked at runtime by the admin.
package roles

import "sync"

// Authorizer answers role questions for caller addresses.
type Authorizer struct {
	admin string

	mu         sync.RWMutex
	verifiers  map[string]bool
	validators map[string]bool
}

// NewAuthorizer builds an Authorizer from the configured admin address and
// the initial verifier and validator sets.
func NewAuthorizer(admin string, verifiers, validators []string) *Authorizer {
	a := &Authorizer{
		admin:      admin,
		verifiers:  make(map[string]bool, len(verifiers)),
		validators: make(map[string]bool, len(validators)),
	}
	for _, v := range verifiers {
		a.verifiers[v] = true
	}
	for _, v := range validators {
		a.validators[v] = true
	}
	return a
}

// IsAdmin reports whether caller is the registry admin.
func (a *Authorizer) IsAdmin(caller string) bool {
	return caller == a.admin
}

// IsVerifier reports whether caller may verify or refund payments.
// The admin is always a verifier.
func (a *Authorizer) IsVerifier(caller string) bool {
	if a.IsAdmin(caller) {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.verifiers[caller]
}

// IsValidator reports whether caller may record validations.
func (a *Authorizer) IsValidator(caller string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validators[caller]
}

// GrantValidator adds addr to the validator set. Idempotent.
func (a *Authorizer) GrantValidator(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validators[addr] = true
}

// RevokeValidator removes addr from the validator set. Idempotent.
func (a *Authorizer) RevokeValidator(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.validators, addr)
}
