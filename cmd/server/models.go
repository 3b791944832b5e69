package main

import (
	"time"

	"github.com/stockroomhq/flowrules/flowrules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleRequest represents the request body for creating or updating a
// rule. Condition and action lists always arrive whole; a PUT replaces
// them rather than patching individual entries.
type RuleRequest struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Trigger     flowrules.Trigger         `json:"trigger"`
	Priority    int                       `json:"priority"`
	Active      bool                      `json:"isActive"`
	StopOnError bool                      `json:"stopOnError"`
	Expression  string                    `json:"expression"`
	Conditions  []flowrules.RuleCondition `json:"conditions"`
	Actions     []flowrules.RuleAction    `json:"actions"`
}

// toRule builds the domain rule for a given ID.
func (req *RuleRequest) toRule(id string) *flowrules.FlowRule {
	return &flowrules.FlowRule{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Priority:    req.Priority,
		Active:      req.Active,
		StopOnError: req.StopOnError,
		Expression:  req.Expression,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
	}
}

// RuleResponse wraps a stored rule with any configuration warnings
// produced at authoring time.
type RuleResponse struct {
	Rule     *flowrules.FlowRule `json:"rule"`
	Warnings []string            `json:"warnings,omitempty"`
}

// EventRequest represents the request body for invoking the engine.
// The caller constructs the snapshot from whatever entity changed; the
// engine only sees key paths.
type EventRequest struct {
	Trigger  flowrules.Trigger       `json:"trigger"`
	EntityID string                  `json:"entityId"`
	Snapshot flowrules.FieldSnapshot `json:"snapshot"`
}

// EventResponse carries the run report back to the caller.
type EventResponse struct {
	Report      *flowrules.RunReport `json:"report"`
	ElapsedTime string               `json:"elapsedTime"`
}

// ValidationErrorResponse is returned for rejected rule definitions.
type ValidationErrorResponse struct {
	Error  string                 `json:"error"`
	Fields []flowrules.FieldError `json:"fields"`
}
