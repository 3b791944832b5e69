package flowrules

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// expressionCostLimit caps CEL evaluation cost so a pathological
// authored expression cannot exhaust the process.
const expressionCostLimit = 1_000_000

// newCELEnv builds the environment rule expressions compile against.
// The whole field snapshot is exposed as a single dynamic "event"
// variable, so expressions read like `event.asset.status == "ready"`
// without requiring a per-tenant schema.
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// compileExpression compiles a rule's expression. Compile failures
// surface to the authoring caller. The program is returned rather than
// installed: the caller installs it with setProgram only once the rule
// is durably stored, so a failed store write never leaves a program for
// a rule definition that was not saved.
func (en *Engine) compileExpression(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression compile error: %w", issues.Err())
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(expressionCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("expression program error: %w", err)
	}

	return prog, nil
}

// setProgram installs a compiled expression under the rule ID.
func (en *Engine) setProgram(ruleID string, prog cel.Program) {
	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()
}

// evaluateExpression evaluates a rule's compiled expression against the
// snapshot. Evaluation errors and non-boolean results degrade to
// no-match with a diagnostic, matching the condition evaluator's
// permissive policy.
func (en *Engine) evaluateExpression(rule *FlowRule, snapshot FieldSnapshot, diags *Diagnostics) bool {
	en.mu.RLock()
	prog, ok := en.programs[rule.ID]
	en.mu.RUnlock()

	if !ok {
		// Rules loaded outside AddRule (e.g. written directly to the
		// store) are compiled on first use.
		compiled, err := en.compileExpression(rule.Expression)
		if err != nil {
			diags.Addf("rule %s: %v", rule.ID, err)
			return false
		}
		en.setProgram(rule.ID, compiled)
		prog = compiled
	}

	out, _, err := prog.Eval(map[string]any{"event": map[string]any(snapshot)})
	if err != nil {
		diags.Addf("rule %s: expression evaluation error: %v", rule.ID, err)
		return false
	}

	matched, ok := out.Value().(bool)
	if !ok {
		diags.Addf("rule %s: expression did not evaluate to a boolean", rule.ID)
		return false
	}
	return matched
}

// dropProgram removes a rule's compiled expression from the cache.
func (en *Engine) dropProgram(ruleID string) {
	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()
}
