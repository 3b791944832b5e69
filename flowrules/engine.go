package flowrules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine evaluates the rules of one tenant against incoming events.
// It owns no state between invocations beyond read-through caches: the
// rule definitions live in the store, and whatever the actions mutate
// lives behind the registered handlers.
//
// Safe for concurrent use: multiple events may be handled at once, and
// rule CRUD may interleave with evaluation.
type Engine struct {
	store    RuleStore
	cache    RulesCache
	executor *Executor
	env      *cel.Env
	programs map[string]cel.Program // ruleID -> compiled expression
	mu       sync.RWMutex
}

// NewEngine creates an engine over a tenant-scoped store. Expressions
// of existing active rules are compiled up front so authoring-time
// mistakes surface at startup rather than on the first event.
func NewEngine(ctx context.Context, store RuleStore, executor *Executor) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	en := &Engine{
		store:    store,
		cache:    NewInMemoryRulesCache(DefaultCacheConfig()),
		executor: executor,
		env:      env,
		programs: make(map[string]cel.Program),
	}

	if err := en.compileActiveExpressions(ctx); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// compileActiveExpressions compiles the expression of every active rule
// in the store.
func (en *Engine) compileActiveExpressions(ctx context.Context) error {
	rules, err := en.store.List(ctx, "")
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if !rule.Active || rule.Expression == "" {
			continue
		}
		prog, err := en.compileExpression(rule.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		en.setProgram(rule.ID, prog)
	}
	return nil
}

// Handle runs one event through the rule set: fetch the active rules
// for the trigger, order them by priority, evaluate each, and execute
// the actions of every match. Rules are isolated from each other — a
// failing action or a degraded condition in one rule never prevents
// the next rule from running.
//
// If the caller's deadline expires mid-run, Handle still returns the
// partial report with the remaining rule IDs under NotEvaluatedRules.
// The only error Handle returns is a store failure: without the rule
// set there is nothing meaningful to report.
func (en *Engine) Handle(ctx context.Context, event Event) (*RunReport, error) {
	if !event.Trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger %q", event.Trigger)
	}

	rules, err := en.activeRules(ctx, event.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules for trigger %s: %w", event.Trigger, err)
	}
	sortRules(rules)

	report := &RunReport{MatchedRules: []RuleExecutionReport{}}
	for i, rule := range rules {
		if ctx.Err() != nil {
			for _, remaining := range rules[i:] {
				report.NotEvaluatedRules = append(report.NotEvaluatedRules, remaining.ID)
			}
			break
		}

		report.EvaluatedRules++

		var diags Diagnostics
		matched := EvaluateConditions(rule.Conditions, event.Snapshot, &diags)
		if matched && rule.Expression != "" {
			matched = en.evaluateExpression(rule, event.Snapshot, &diags)
		}
		if !matched {
			continue
		}

		results := en.executor.Execute(ctx, rule.Actions, event.Snapshot, rule.StopOnError)
		report.MatchedRules = append(report.MatchedRules, RuleExecutionReport{
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			Matched:       true,
			ActionResults: results,
			Diagnostics:   diags.Entries(),
		})
	}

	return report, nil
}

// activeRules returns the active rules for a trigger, going through the
// cache to avoid a store round trip per event.
func (en *Engine) activeRules(ctx context.Context, trigger Trigger) ([]*FlowRule, error) {
	if cached := en.cache.Get(trigger); cached != nil {
		return cached, nil
	}

	all, err := en.store.List(ctx, trigger)
	if err != nil {
		return nil, err
	}

	active := make([]*FlowRule, 0, len(all))
	for _, rule := range all {
		if rule.Active {
			active = append(active, rule)
		}
	}
	en.cache.Set(trigger, active)
	return active, nil
}

// sortRules orders rules for execution: priority ascending, ties broken
// by creation time, then ID so the order is total even for rules
// created in the same instant.
func sortRules(rules []*FlowRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// AddRule validates a rule, compiles its expression if present, and
// stores it. The compiled program is installed only after the store
// accepts the rule, so the program cache never holds entries for rules
// that do not exist.
func (en *Engine) AddRule(ctx context.Context, rule *FlowRule) error {
	if errs := ValidateRule(rule); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	if _, err := en.store.Get(ctx, rule.ID); err == nil {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	var prog cel.Program
	if rule.Expression != "" {
		compiled, err := en.compileExpression(rule.Expression)
		if err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
		prog = compiled
	}

	if err := en.store.Create(ctx, rule); err != nil {
		return err
	}

	if prog != nil {
		en.setProgram(rule.ID, prog)
	}
	en.cache.Invalidate()
	return nil
}

// UpdateRule validates the new definition, recompiles its expression,
// and replaces the stored rule. Condition and action lists are replaced
// wholesale — there is no partial mutation, so order values and list
// contents cannot drift apart. The trigger is fixed at creation and a
// definition that changes it is rejected. The recompiled program is
// installed only after the store accepts the update: a rejected update
// keeps both the stored rule and its compiled expression as they were.
func (en *Engine) UpdateRule(ctx context.Context, rule *FlowRule) error {
	if errs := ValidateRule(rule); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	existing, err := en.store.Get(ctx, rule.ID)
	if err != nil {
		return err
	}
	if rule.Trigger != existing.Trigger {
		return &ValidationError{Errors: []FieldError{
			{Field: "trigger", Message: "cannot be changed after creation"},
		}}
	}

	var prog cel.Program
	if rule.Expression != "" {
		compiled, err := en.compileExpression(rule.Expression)
		if err != nil {
			return fmt.Errorf("rule validation failed: %w", err)
		}
		prog = compiled
	}

	if err := en.store.Update(ctx, rule); err != nil {
		return err
	}

	if prog != nil {
		en.setProgram(rule.ID, prog)
	} else {
		en.dropProgram(rule.ID)
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store, the program cache, and the
// rules cache.
func (en *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	if err := en.store.Delete(ctx, ruleID); err != nil {
		return err
	}

	en.dropProgram(ruleID)
	en.cache.Invalidate()
	return nil
}

// GetRule fetches a single rule.
func (en *Engine) GetRule(ctx context.Context, ruleID string) (*FlowRule, error) {
	return en.store.Get(ctx, ruleID)
}

// ListRules returns all rules, optionally filtered by trigger. The
// zero trigger means all triggers. Inactive rules are included: they
// are excluded from evaluation but retained for audit.
func (en *Engine) ListRules(ctx context.Context, trigger Trigger) ([]*FlowRule, error) {
	return en.store.List(ctx, trigger)
}

// RegisterActionHandler exposes the executor's registry through the
// engine, so a host holding only the engine can wire its handlers.
func (en *Engine) RegisterActionHandler(actionType string, handler ActionHandler) {
	en.executor.RegisterActionHandler(actionType, handler)
}
