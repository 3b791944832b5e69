package flowrules

import (
	"fmt"
	"strings"
)

const (
	// MinPriority and MaxPriority bound the rule priority range.
	MinPriority = 1
	MaxPriority = 1000
)

// FieldError is a single field-level validation failure, addressed by a
// JSON-path-ish field name so authoring UIs can attach it to the right
// input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates the field errors of one rejected rule.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid rule: " + strings.Join(msgs, "; ")
}

// ValidateRule checks a rule definition against the authoring schema.
// Malformed rules are rejected here, synchronously, so the evaluator
// and executor never see an unknown trigger or operator at runtime.
// Returns nil when the rule is valid.
func ValidateRule(rule *FlowRule) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(rule.Name) == "" {
		errs = append(errs, FieldError{Field: "name", Message: "must not be empty"})
	}
	if strings.TrimSpace(rule.Description) == "" {
		errs = append(errs, FieldError{Field: "description", Message: "must not be empty"})
	}
	if !rule.Trigger.Valid() {
		errs = append(errs, FieldError{
			Field: "trigger",
			Message: fmt.Sprintf("must be one of %s, %s, %s, %s",
				TriggerStatusChange, TriggerCreation, TriggerCompletion, TriggerApproval),
		})
	}
	if rule.Priority < MinPriority || rule.Priority > MaxPriority {
		errs = append(errs, FieldError{
			Field:   "priority",
			Message: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority),
		})
	}

	errs = append(errs, validateConditions(rule.Conditions)...)
	errs = append(errs, validateActions(rule.Actions)...)

	return errs
}

func validateConditions(conditions []RuleCondition) []FieldError {
	var errs []FieldError

	seenOrders := make(map[int]bool, len(conditions))
	for i, c := range conditions {
		prefix := fmt.Sprintf("conditions[%d]", i)

		if strings.TrimSpace(c.Field) == "" {
			errs = append(errs, FieldError{Field: prefix + ".field", Message: "must not be empty"})
		}
		if !c.Operator.Valid() {
			errs = append(errs, FieldError{
				Field:   prefix + ".operator",
				Message: fmt.Sprintf("unknown operator %q", c.Operator),
			})
		}
		if c.LogicalOperator != "" && c.LogicalOperator != LogicalAnd && c.LogicalOperator != LogicalOr {
			errs = append(errs, FieldError{
				Field:   prefix + ".logicalOperator",
				Message: "must be AND or OR",
			})
		}
		// Null values are only meaningful for equality checks.
		if c.Value == nil && c.Operator != OperatorEquals && c.Operator != OperatorNotEquals {
			errs = append(errs, FieldError{Field: prefix + ".value", Message: "is required"})
		}
		if seenOrders[c.Order] {
			errs = append(errs, FieldError{
				Field:   prefix + ".order",
				Message: fmt.Sprintf("duplicate order %d", c.Order),
			})
		}
		seenOrders[c.Order] = true
	}

	return errs
}

func validateActions(actions []RuleAction) []FieldError {
	var errs []FieldError

	seenOrders := make(map[int]bool, len(actions))
	for i, a := range actions {
		prefix := fmt.Sprintf("actions[%d]", i)

		if strings.TrimSpace(a.Type) == "" {
			errs = append(errs, FieldError{Field: prefix + ".type", Message: "must not be empty"})
		}
		if seenOrders[a.Order] {
			errs = append(errs, FieldError{
				Field:   prefix + ".order",
				Message: fmt.Sprintf("duplicate order %d", a.Order),
			})
		}
		seenOrders[a.Order] = true
	}

	return errs
}

// RuleWarnings reports configuration smells that are legal but probably
// not what the author meant. Returned alongside a successful create or
// update, never blocking it.
func RuleWarnings(rule *FlowRule) []string {
	var warnings []string
	if len(rule.Actions) == 0 {
		warnings = append(warnings, "rule has no actions: matches will be recorded but nothing will be executed")
	}
	return warnings
}
