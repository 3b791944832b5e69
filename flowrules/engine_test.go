package flowrules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testRule(id string, priority int, trigger Trigger) *FlowRule {
	return &FlowRule{
		ID:          id,
		Name:        "rule " + id,
		Description: "test rule " + id,
		Trigger:     trigger,
		Priority:    priority,
		Active:      true,
	}
}

// recordAction tags an action so the recorder can attribute dispatches
// to rules.
func recordAction(order int, label string) RuleAction {
	return RuleAction{
		Type:       "record",
		Parameters: map[string]any{"label": label},
		Order:      order,
	}
}

func newTestEngine(t *testing.T, recorder *dispatchRecorder, rules ...*FlowRule) *Engine {
	t.Helper()

	store := NewInMemoryRuleStore()
	for _, rule := range rules {
		if err := store.Create(context.Background(), rule); err != nil {
			t.Fatalf("failed to seed rule %s: %v", rule.ID, err)
		}
	}

	executor := NewExecutor(0)
	executor.RegisterActionHandler("record", func(ctx context.Context, params map[string]any, snapshot FieldSnapshot) error {
		recorder.record(params["label"].(string))
		return nil
	})
	executor.RegisterActionHandler("fail", func(ctx context.Context, params map[string]any, snapshot FieldSnapshot) error {
		return errors.New("handler always fails")
	})

	engine, err := NewEngine(context.Background(), store, executor)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func TestHandlePriorityOrdering(t *testing.T) {
	recorder := &dispatchRecorder{}

	second := testRule("rule-2", 2, TriggerStatusChange)
	second.Actions = []RuleAction{recordAction(1, "rule-2/a"), recordAction(2, "rule-2/b")}
	first := testRule("rule-1", 1, TriggerStatusChange)
	first.Actions = []RuleAction{recordAction(1, "rule-1/a"), recordAction(2, "rule-1/b")}

	// Seed in reverse priority order to prove sorting is not incidental.
	engine := newTestEngine(t, recorder, second, first)

	report, err := engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		EntityID: "asset-1",
		Snapshot: FieldSnapshot{},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if report.EvaluatedRules != 2 {
		t.Errorf("EvaluatedRules = %d, want 2", report.EvaluatedRules)
	}
	if len(report.MatchedRules) != 2 {
		t.Fatalf("matched %d rules, want 2", len(report.MatchedRules))
	}
	if report.MatchedRules[0].RuleID != "rule-1" || report.MatchedRules[1].RuleID != "rule-2" {
		t.Errorf("rule order = %s, %s; want rule-1, rule-2",
			report.MatchedRules[0].RuleID, report.MatchedRules[1].RuleID)
	}

	// All of the priority-1 rule's actions must complete before the
	// priority-2 rule's actions begin.
	want := []string{"rule-1/a", "rule-1/b", "rule-2/a", "rule-2/b"}
	got := recorder.recorded()
	if len(got) != len(want) {
		t.Fatalf("dispatched %d actions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHandleDeterminism(t *testing.T) {
	run := func() []string {
		recorder := &dispatchRecorder{}
		a := testRule("rule-a", 5, TriggerCreation)
		a.Actions = []RuleAction{recordAction(2, "a/2"), recordAction(1, "a/1")}
		b := testRule("rule-b", 3, TriggerCreation)
		b.Actions = []RuleAction{recordAction(1, "b/1")}

		engine := newTestEngine(t, recorder, a, b)
		if _, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}}); err != nil {
			t.Fatalf("Handle() failed: %v", err)
		}
		return recorder.recorded()
	}

	first := run()
	second := run()

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("two identical invocations dispatched different orders: %v vs %v", first, second)
	}
	if fmt.Sprint(first) != "[b/1 a/1 a/2]" {
		t.Errorf("dispatch order = %v, want [b/1 a/1 a/2]", first)
	}
}

func TestHandleRuleIsolation(t *testing.T) {
	recorder := &dispatchRecorder{}

	failing := testRule("rule-failing", 1, TriggerCompletion)
	failing.Actions = []RuleAction{{Type: "fail", Parameters: map[string]any{}, Order: 1}}
	healthy := testRule("rule-healthy", 2, TriggerCompletion)
	healthy.Actions = []RuleAction{recordAction(1, "healthy")}

	engine := newTestEngine(t, recorder, failing, healthy)

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerCompletion, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if len(report.MatchedRules) != 2 {
		t.Fatalf("matched %d rules, want 2: a failing rule must not block later rules", len(report.MatchedRules))
	}
	if report.MatchedRules[0].ActionResults[0].Status != ActionFailed {
		t.Error("failing rule's action should be recorded as failed")
	}
	if got := recorder.recorded(); len(got) != 1 || got[0] != "healthy" {
		t.Errorf("healthy rule should still execute, dispatches = %v", got)
	}
}

func TestHandleInactiveRulesExcluded(t *testing.T) {
	recorder := &dispatchRecorder{}

	inactive := testRule("rule-inactive", 1, TriggerApproval)
	inactive.Active = false
	inactive.Actions = []RuleAction{recordAction(1, "inactive")}

	engine := newTestEngine(t, recorder, inactive)

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerApproval, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if report.EvaluatedRules != 0 || len(report.MatchedRules) != 0 {
		t.Errorf("inactive rule must never match: report = %+v", report)
	}
	if len(recorder.recorded()) != 0 {
		t.Error("inactive rule's actions must never dispatch")
	}
}

func TestHandleTriggerFiltering(t *testing.T) {
	recorder := &dispatchRecorder{}

	statusRule := testRule("rule-status", 1, TriggerStatusChange)
	statusRule.Actions = []RuleAction{recordAction(1, "status")}
	creationRule := testRule("rule-creation", 1, TriggerCreation)
	creationRule.Actions = []RuleAction{recordAction(1, "creation")}

	engine := newTestEngine(t, recorder, statusRule, creationRule)

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if report.EvaluatedRules != 1 {
		t.Errorf("EvaluatedRules = %d, want 1", report.EvaluatedRules)
	}
	if got := recorder.recorded(); len(got) != 1 || got[0] != "creation" {
		t.Errorf("dispatches = %v, want only the creation rule", got)
	}
}

func TestHandleConditionsGateExecution(t *testing.T) {
	recorder := &dispatchRecorder{}

	rule := testRule("rule-conditional", 1, TriggerStatusChange)
	rule.Conditions = []RuleCondition{
		{Field: "asset.status", Operator: OperatorEquals, Value: "broken", Order: 1},
	}
	rule.Actions = []RuleAction{recordAction(1, "repair")}

	engine := newTestEngine(t, recorder, rule)

	report, err := engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		Snapshot: FieldSnapshot{"asset": map[string]any{"status": "ok"}},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if report.EvaluatedRules != 1 || len(report.MatchedRules) != 0 {
		t.Errorf("non-matching rule should be evaluated but not matched: %+v", report)
	}

	report, err = engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		Snapshot: FieldSnapshot{"asset": map[string]any{"status": "broken"}},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 1 {
		t.Fatalf("matching rule should appear in MatchedRules")
	}
	if got := recorder.recorded(); len(got) != 1 || got[0] != "repair" {
		t.Errorf("dispatches = %v, want [repair]", got)
	}
}

func TestHandleUnknownActionTypeStillMatches(t *testing.T) {
	recorder := &dispatchRecorder{}

	rule := testRule("rule-unknown-action", 1, TriggerCreation)
	rule.Actions = []RuleAction{{Type: "nonexistent", Parameters: map[string]any{}, Order: 1}}

	engine := newTestEngine(t, recorder, rule)

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if len(report.MatchedRules) != 1 {
		t.Fatal("rule must still be recorded as matched")
	}
	result := report.MatchedRules[0].ActionResults[0]
	if result.Status != ActionFailed || result.Error != ErrUnknownActionType {
		t.Errorf("action result = %+v, want failed/%s", result, ErrUnknownActionType)
	}
}

func TestHandleExpiredDeadline(t *testing.T) {
	recorder := &dispatchRecorder{}

	rule := testRule("rule-1", 1, TriggerCreation)
	rule.Actions = []RuleAction{recordAction(1, "a")}

	engine := newTestEngine(t, recorder, rule)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := engine.Handle(ctx, Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() must return a partial report, not an error: %v", err)
	}

	if report.EvaluatedRules != 0 {
		t.Errorf("EvaluatedRules = %d, want 0", report.EvaluatedRules)
	}
	if len(report.NotEvaluatedRules) != 1 || report.NotEvaluatedRules[0] != "rule-1" {
		t.Errorf("NotEvaluatedRules = %v, want [rule-1]", report.NotEvaluatedRules)
	}
	if len(recorder.recorded()) != 0 {
		t.Error("no actions should dispatch after the deadline expired")
	}
}

func TestHandleUnknownTrigger(t *testing.T) {
	engine := newTestEngine(t, &dispatchRecorder{})

	if _, err := engine.Handle(context.Background(), Event{Trigger: Trigger("reboot")}); err == nil {
		t.Error("Handle() should reject an unknown trigger")
	}
}

func TestHandleExpressionRule(t *testing.T) {
	recorder := &dispatchRecorder{}
	engine := newTestEngine(t, recorder)

	rule := testRule("rule-expr", 1, TriggerStatusChange)
	rule.Expression = `event.asset.cost > 1000.0`
	rule.Actions = []RuleAction{recordAction(1, "expensive")}

	if err := engine.AddRule(context.Background(), rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	report, err := engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		Snapshot: FieldSnapshot{"asset": map[string]any{"cost": 250.0}},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 0 {
		t.Error("expression should gate the match")
	}

	report, err = engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		Snapshot: FieldSnapshot{"asset": map[string]any{"cost": 2500.0}},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 1 {
		t.Error("expression rule should match when the expression holds")
	}
}

func TestAddRuleRejectsBadExpression(t *testing.T) {
	engine := newTestEngine(t, &dispatchRecorder{})

	rule := testRule("rule-bad-expr", 1, TriggerCreation)
	rule.Expression = `event.asset.cost >`

	if err := engine.AddRule(context.Background(), rule); err == nil {
		t.Error("AddRule() should reject an expression that does not compile")
	}
	if _, err := engine.GetRule(context.Background(), rule.ID); err == nil {
		t.Error("rejected rule must not be stored")
	}
}

func TestAddRuleValidation(t *testing.T) {
	engine := newTestEngine(t, &dispatchRecorder{})

	rule := &FlowRule{ID: "rule-invalid", Trigger: Trigger("bogus"), Priority: 0}

	err := engine.AddRule(context.Background(), rule)
	if err == nil {
		t.Fatal("AddRule() should reject an invalid rule")
	}

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error should be a *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 3 {
		t.Errorf("expected field errors for name, description, trigger and priority, got %v", ve.Errors)
	}
}

func TestAddRuleDuplicateID(t *testing.T) {
	rule := testRule("rule-dup", 1, TriggerCreation)
	engine := newTestEngine(t, &dispatchRecorder{}, rule)

	clone := testRule("rule-dup", 2, TriggerCreation)
	if err := engine.AddRule(context.Background(), clone); err == nil {
		t.Error("AddRule() should reject a duplicate rule ID")
	}
}

func TestCacheInvalidationOnMutation(t *testing.T) {
	recorder := &dispatchRecorder{}
	engine := newTestEngine(t, recorder)

	// Prime the cache with an empty rule set.
	if _, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}}); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	rule := testRule("rule-new", 1, TriggerCreation)
	rule.Actions = []RuleAction{recordAction(1, "new")}
	if err := engine.AddRule(context.Background(), rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 1 {
		t.Error("a rule added after the cache was primed must be visible to the next event")
	}

	if err := engine.DeleteRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	report, err = engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 0 {
		t.Error("a deleted rule must not match subsequent events")
	}
}

func TestPriorityTieBreakByCreationTime(t *testing.T) {
	recorder := &dispatchRecorder{}

	older := testRule("rule-older", 7, TriggerCreation)
	older.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older.Actions = []RuleAction{recordAction(1, "older")}
	newer := testRule("rule-newer", 7, TriggerCreation)
	newer.CreatedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	newer.Actions = []RuleAction{recordAction(1, "newer")}

	engine := newTestEngine(t, recorder, newer, older)

	if _, err := engine.Handle(context.Background(), Event{Trigger: TriggerCreation, Snapshot: FieldSnapshot{}}); err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	got := recorder.recorded()
	if len(got) != 2 || got[0] != "older" || got[1] != "newer" {
		t.Errorf("equal priority must execute in creation order, got %v", got)
	}
}

// updateRejectingStore fails every Update, simulating a store-side
// rejection after validation passed.
type updateRejectingStore struct {
	*InMemoryRuleStore
}

func (s *updateRejectingStore) Update(ctx context.Context, rule *FlowRule) error {
	return errors.New("store unavailable")
}

func TestUpdateRuleStoreFailureKeepsOldExpression(t *testing.T) {
	store := &updateRejectingStore{NewInMemoryRuleStore()}
	recorder := &dispatchRecorder{}
	executor := NewExecutor(0)
	executor.RegisterActionHandler("record", func(ctx context.Context, params map[string]any, snapshot FieldSnapshot) error {
		recorder.record(params["label"].(string))
		return nil
	})

	engine, err := NewEngine(context.Background(), store, executor)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	rule := testRule("rule-expr", 1, TriggerStatusChange)
	rule.Expression = `event.asset.cost > 1000.0`
	rule.Actions = []RuleAction{recordAction(1, "expensive")}
	if err := engine.AddRule(context.Background(), rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	// The loosened expression compiles fine, but the store rejects the
	// update, so the stored rule keeps the strict expression.
	loosened := testRule("rule-expr", 1, TriggerStatusChange)
	loosened.Expression = `event.asset.cost > 1.0`
	loosened.Actions = rule.Actions
	if err := engine.UpdateRule(context.Background(), loosened); err == nil {
		t.Fatal("UpdateRule() should surface the store failure")
	}

	report, err := engine.Handle(context.Background(), Event{
		Trigger:  TriggerStatusChange,
		Snapshot: FieldSnapshot{"asset": map[string]any{"cost": 5.0}},
	})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if len(report.MatchedRules) != 0 {
		t.Error("a rejected update must not change which events match")
	}
	if len(recorder.recorded()) != 0 {
		t.Errorf("no actions should dispatch, got %v", recorder.recorded())
	}
}

func TestUpdateRuleTriggerImmutable(t *testing.T) {
	rule := testRule("rule-1", 1, TriggerCreation)
	engine := newTestEngine(t, &dispatchRecorder{}, rule)

	changed := testRule("rule-1", 5, TriggerApproval)
	err := engine.UpdateRule(context.Background(), changed)
	if err == nil {
		t.Fatal("UpdateRule() should reject a trigger change")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error should be a *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 1 || ve.Errors[0].Field != "trigger" {
		t.Errorf("expected a single trigger field error, got %v", ve.Errors)
	}

	stored, err := engine.GetRule(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if stored.Trigger != TriggerCreation {
		t.Errorf("stored trigger = %s, want %s", stored.Trigger, TriggerCreation)
	}

	// Everything except the trigger stays updatable.
	sameTrigger := testRule("rule-1", 5, TriggerCreation)
	if err := engine.UpdateRule(context.Background(), sameTrigger); err != nil {
		t.Fatalf("same-trigger update should succeed: %v", err)
	}
	stored, _ = engine.GetRule(context.Background(), "rule-1")
	if stored.Priority != 5 {
		t.Errorf("priority = %d, want 5", stored.Priority)
	}
}

func TestHandleEmptyActionListStillRecordsMatch(t *testing.T) {
	rule := testRule("rule-no-actions", 1, TriggerApproval)
	engine := newTestEngine(t, &dispatchRecorder{}, rule)

	report, err := engine.Handle(context.Background(), Event{Trigger: TriggerApproval, Snapshot: FieldSnapshot{}})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}

	if len(report.MatchedRules) != 1 {
		t.Fatal("a rule with no actions still records its match")
	}
	if len(report.MatchedRules[0].ActionResults) != 0 {
		t.Errorf("no action results expected, got %v", report.MatchedRules[0].ActionResults)
	}
}
