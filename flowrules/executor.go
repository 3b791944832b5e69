package flowrules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultActionTimeout bounds a single handler call when the executor
// is constructed without an explicit timeout.
const DefaultActionTimeout = 10 * time.Second

// ActionHandler performs one side effect. The host application
// registers concrete handlers (status update, notification, webhook)
// at startup; parameters arrive with {{path}} placeholders already
// resolved. Handlers must respect ctx, which carries the per-action
// timeout.
type ActionHandler func(ctx context.Context, params map[string]any, snapshot FieldSnapshot) error

// Executor dispatches a rule's ordered action list to registered
// handlers and collects per-action outcomes. Registration is expected
// at startup but is safe at any time.
type Executor struct {
	handlers map[string]ActionHandler
	timeout  time.Duration
	mu       sync.RWMutex
}

// NewExecutor creates an executor. A non-positive timeout selects
// DefaultActionTimeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Executor{
		handlers: make(map[string]ActionHandler),
		timeout:  timeout,
	}
}

// RegisterActionHandler registers the handler for an action type,
// replacing any previous registration.
func (x *Executor) RegisterActionHandler(actionType string, handler ActionHandler) {
	x.mu.Lock()
	x.handlers[actionType] = handler
	x.mu.Unlock()
}

// handler looks up the handler for an action type.
func (x *Executor) handler(actionType string) (ActionHandler, bool) {
	x.mu.RLock()
	h, ok := x.handlers[actionType]
	x.mu.RUnlock()
	return h, ok
}

// Execute runs the actions strictly in ascending order, sequentially:
// later actions may depend on state mutated by earlier ones, so there
// is no concurrency within a rule. Failures are recorded and execution
// continues to the next action, unless stopOnError is set, in which
// case the remaining actions are recorded as skipped rather than
// silently dropped.
func (x *Executor) Execute(ctx context.Context, actions []RuleAction, snapshot FieldSnapshot, stopOnError bool) []ActionResult {
	ordered := sortedActions(actions)
	results := make([]ActionResult, 0, len(ordered))

	stopped := false
	for _, action := range ordered {
		result := ActionResult{Order: action.Order, Type: action.Type}

		if stopped {
			result.Status = ActionSkipped
			results = append(results, result)
			continue
		}

		var diags Diagnostics
		params := resolveParameters(action.Parameters, snapshot, &diags)
		result.Diagnostics = diags.Entries()

		handler, ok := x.handler(action.Type)
		if !ok {
			result.Status = ActionFailed
			result.Error = ErrUnknownActionType
			results = append(results, result)
			if stopOnError {
				stopped = true
			}
			continue
		}

		if err := x.dispatch(ctx, handler, params, snapshot); err != nil {
			result.Status = ActionFailed
			result.Error = failureReason(err)
			if stopOnError {
				stopped = true
			}
		} else {
			result.Status = ActionSucceeded
		}
		results = append(results, result)
	}

	return results
}

// dispatch invokes one handler under the per-action timeout. A handler
// that panics is converted to an error so one bad handler cannot take
// down the run.
func (x *Executor) dispatch(ctx context.Context, handler ActionHandler, params map[string]any, snapshot FieldSnapshot) error {
	actionCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(actionCtx, params, snapshot)
	}()

	select {
	case err := <-done:
		return err
	case <-actionCtx.Done():
		return actionCtx.Err()
	}
}

// failureReason maps dispatch errors to the reasons recorded on the
// result. Timeouts get the fixed "timeout" reason so callers can
// distinguish them from handler errors.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrActionTimeout
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return err.Error()
	}
}

// sortedActions returns the actions in ascending Order; equal Order
// values keep their list position.
func sortedActions(actions []RuleAction) []RuleAction {
	ordered := make([]RuleAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})
	return ordered
}
