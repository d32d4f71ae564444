// Package roles answers role-membership questions for step authorization.
package roles

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/accessworks/adaptflow/model"
)

type policyFile struct {
	Actors map[string][]string `yaml:"actors"`
}

// StaticPolicyProvider resolves role membership from a static YAML file
// mapping actor IDs to role names.
type StaticPolicyProvider struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyProvider creates a provider that loads role assignments
// from path.
func NewStaticPolicyProvider(path string) (*StaticPolicyProvider, error) {
	p := &StaticPolicyProvider{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// HasRole reports whether the actor holds the given role per the policy file.
func (p *StaticPolicyProvider) HasRole(_ context.Context, actorID, role string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, r := range p.policy.Actors[actorID] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

// Sync reloads the policy file from disk.
func (p *StaticPolicyProvider) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("roles: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("roles: parsing policy file %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()

	return nil
}

// ClaimsProvider trusts the roles carried on the authenticated request
// context. Actors can only vouch for themselves; asking about a different
// actor always answers false.
type ClaimsProvider struct{}

// HasRole reports whether the request's own actor carries the role in its
// token claims.
func (ClaimsProvider) HasRole(ctx context.Context, actorID, role string) (bool, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.ActorID != actorID {
		return false, nil
	}
	return rctx.HasRole(role), nil
}

// Chain consults providers in order and answers true on the first match.
type Chain []model.RoleProvider

// HasRole asks each provider in turn, returning the first affirmative
// answer or the first error.
func (c Chain) HasRole(ctx context.Context, actorID, role string) (bool, error) {
	for _, p := range c {
		ok, err := p.HasRole(ctx, actorID, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
