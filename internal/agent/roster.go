package agent

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/proc"
)

// Roster hands out agents by role (analyst, planner, coder). Each role has
// one persistent conversation shared across phases, plus as many throwaway
// conversations as callers ask for. Roster implements Provider.
type Roster struct {
	cfgs  map[string]Config
	procs *proc.Manager
	log   *zap.Logger

	mu     sync.Mutex
	active map[string]Agent
}

// NewRoster creates a roster over the configured roles.
func NewRoster(cfgs map[string]Config, procs *proc.Manager, log *zap.Logger) *Roster {
	if log == nil {
		log = zap.NewNop()
	}
	copied := make(map[string]Config, len(cfgs))
	for role, cfg := range cfgs {
		copied[role] = cfg
	}
	return &Roster{
		cfgs:   copied,
		procs:  procs,
		log:    log,
		active: make(map[string]Agent),
	}
}

// Get returns the role's persistent conversation, opening it on first use.
func (r *Roster) Get(role string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.active[role]; ok {
		return a, nil
	}
	a, err := r.build(role)
	if err != nil {
		return nil, err
	}
	r.active[role] = a
	return a, nil
}

// Fresh opens a new conversation for the role. The caller owns its lifetime.
func (r *Roster) Fresh(role string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.build(role)
}

func (r *Roster) build(role string) (Agent, error) {
	cfg, ok := r.cfgs[role]
	if !ok {
		return nil, fmt.Errorf("no agent configured for role %q", role)
	}
	cfg.SessionID = "" // every conversation gets its own session
	return New(cfg, r.procs, r.log.With(zap.String("role", role)))
}

// Roles returns the configured role names.
func (r *Roster) Roles() []string {
	roles := make([]string, 0, len(r.cfgs))
	for role := range r.cfgs {
		roles = append(roles, role)
	}
	return roles
}

// Close shuts down every persistent conversation.
func (r *Roster) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for role, a := range r.active {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close agent %s: %w", role, err)
		}
		delete(r.active, role)
	}
	return firstErr
}
