package flowrules

import "time"

// Trigger is the category of domain event a rule responds to.
// The set is closed: unknown values are rejected at authoring time so
// the engine never has to treat "unknown trigger" as a runtime case.
type Trigger string

const (
	TriggerStatusChange Trigger = "status_change"
	TriggerCreation     Trigger = "creation"
	TriggerCompletion   Trigger = "completion"
	TriggerApproval     Trigger = "approval"
)

// Valid reports whether t is one of the known triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerStatusChange, TriggerCreation, TriggerCompletion, TriggerApproval:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
)

// Valid reports whether op is one of the known operators.
func (op Operator) Valid() bool {
	switch op {
	case OperatorEquals, OperatorNotEquals, OperatorContains,
		OperatorGreaterThan, OperatorLessThan, OperatorIn, OperatorNotIn:
		return true
	}
	return false
}

// LogicalOperator combines a condition with the next condition in
// order sequence. The zero value is treated as AND.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// RuleCondition is a single field/operator/value comparison against
// an event's field snapshot.
type RuleCondition struct {
	// Field is a dot-path into the snapshot, e.g. "asset.statusLabel.name".
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	// Value is operator-dependent: scalar for comparisons, array for in/not_in.
	Value any `json:"value"`
	// LogicalOperator describes how this condition combines with the
	// next condition in order sequence. Empty means AND.
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
	Order           int             `json:"order"`
}

// RuleAction is a parameterized side effect performed when a rule matches.
type RuleAction struct {
	// Type is the key into the executor's handler registry.
	Type string `json:"type"`
	// Parameters may reference snapshot fields with {{path}} placeholders,
	// resolved at execution time.
	Parameters map[string]any `json:"parameters"`
	Order      int            `json:"order"`
}

// FlowRule is a trigger-driven automation rule: an ordered condition
// list folded to a boolean match, and an ordered action list executed
// on match.
type FlowRule struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Trigger     Trigger `json:"trigger"`
	// Priority orders rules for the same event; lower runs earlier.
	// Valid range is [1, 1000]. Ties break by creation time, then ID.
	Priority int  `json:"priority"`
	Active   bool `json:"isActive"`
	// StopOnError aborts the rule's remaining actions after the first
	// failed action. Default is best-effort continuation.
	StopOnError bool `json:"stopOnError,omitempty"`
	// Expression is an optional CEL expression over the snapshot,
	// ANDed with Conditions. Compiled and validated at authoring time.
	Expression string          `json:"expression,omitempty"`
	Conditions []RuleCondition `json:"conditions"`
	Actions    []RuleAction    `json:"actions"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// FieldSnapshot is the flat-or-nested key-value view of the entity and
// event data presented to the evaluator and executor.
type FieldSnapshot map[string]any

// Event is a single domain event handed to the engine.
type Event struct {
	Trigger  Trigger       `json:"trigger"`
	EntityID string        `json:"entityId"`
	Snapshot FieldSnapshot `json:"snapshot"`
}

// ActionStatus is the outcome of a single dispatched action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	// ActionSkipped is recorded for actions not dispatched because an
	// earlier action failed on a stop-on-error rule.
	ActionSkipped ActionStatus = "skipped"
)

// Failure reasons recorded on ActionResult.Error for non-handler failures.
const (
	ErrUnknownActionType = "unknown_action_type"
	ErrActionTimeout     = "timeout"
)

// ActionResult is the per-action outcome collected by the executor.
type ActionResult struct {
	Order  int          `json:"order"`
	Type   string       `json:"type"`
	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
	// Diagnostics carries non-fatal observations, e.g. unresolved
	// parameter placeholders left as literal text.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// RuleExecutionReport records one matched rule and its action outcomes.
type RuleExecutionReport struct {
	RuleID        string         `json:"ruleId"`
	RuleName      string         `json:"ruleName"`
	Matched       bool           `json:"matched"`
	ActionResults []ActionResult `json:"actionResults"`
	Diagnostics   []string       `json:"diagnostics,omitempty"`
}

// RunReport aggregates a single engine invocation: how many rules were
// considered, which matched, and which were skipped because the
// caller's deadline expired mid-run.
type RunReport struct {
	EvaluatedRules    int                   `json:"evaluatedRules"`
	MatchedRules      []RuleExecutionReport `json:"matchedRules"`
	NotEvaluatedRules []string              `json:"notEvaluatedRules,omitempty"`
}
