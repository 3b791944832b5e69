package flowrules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore persists and retrieves the rules of one tenant. Scoping to
// a tenant happens at construction; the engine never sees tenant IDs.
type RuleStore interface {
	// Create stores a new rule. The ID must be unique.
	Create(ctx context.Context, rule *FlowRule) error

	// Get fetches a rule by ID.
	Get(ctx context.Context, id string) (*FlowRule, error)

	// List returns rules for a trigger in creation order. The zero
	// trigger means all triggers. Inactive rules are included.
	List(ctx context.Context, trigger Trigger) ([]*FlowRule, error)

	// Update replaces an existing rule.
	Update(ctx context.Context, rule *FlowRule) error

	// Delete removes a rule.
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements RuleStore with a mutex-guarded map.
// Used in tests and by hosts that manage rule persistence themselves.
type InMemoryRuleStore struct {
	rules map[string]*FlowRule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*FlowRule),
	}
}

// Create stores a new rule, rejecting duplicate IDs and stamping
// creation/update times.
func (s *InMemoryRuleStore) Create(ctx context.Context, rule *FlowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get fetches a rule by ID.
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*FlowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule with ID %s not found", id)
	}
	return rule, nil
}

// List returns rules for a trigger in creation order.
func (s *InMemoryRuleStore) List(ctx context.Context, trigger Trigger) ([]*FlowRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*FlowRule
	for _, rule := range s.rules {
		if trigger == "" || rule.Trigger == trigger {
			matched = append(matched, rule)
		}
	}

	// Map iteration order is random; creation order keeps List
	// deterministic like the SQL-backed store.
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

// Update replaces an existing rule, preserving its creation time.
func (s *InMemoryRuleStore) Update(ctx context.Context, rule *FlowRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule with ID %s not found", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule.
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule with ID %s not found", id)
	}

	delete(s.rules, id)
	return nil
}
