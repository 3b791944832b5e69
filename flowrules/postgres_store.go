package flowrules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL, scoped
// to a single tenant. Condition and action lists are stored as JSONB
// so the order fields round-trip exactly as authored.
type PostgresRuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresRuleStore creates a store for one tenant over a shared
// connection pool.
func NewPostgresRuleStore(db *sql.DB, tenantID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:       db,
		tenantID: tenantID,
	}
}

const ruleColumns = `id, name, description, trigger, priority, active,
	stop_on_error, expression, conditions, actions, created_at, updated_at`

// Create inserts a new rule.
func (s *PostgresRuleStore) Create(ctx context.Context, rule *FlowRule) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM flow_rules WHERE id = $1 AND tenant_id = $2)
	`, rule.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	conditions, actions, err := marshalLists(rule)
	if err != nil {
		return err
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_rules (id, tenant_id, name, description, trigger, priority,
			active, stop_on_error, expression, conditions, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rule.ID, s.tenantID, rule.Name, rule.Description, string(rule.Trigger), rule.Priority,
		rule.Active, rule.StopOnError, rule.Expression, conditions, actions,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID.
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*FlowRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM flow_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns the tenant's rules for a trigger in creation order. The
// zero trigger returns all rules.
func (s *PostgresRuleStore) List(ctx context.Context, trigger Trigger) ([]*FlowRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM flow_rules
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC`
	args := []any{s.tenantID}
	if trigger != "" {
		query = `
		SELECT ` + ruleColumns + `
		FROM flow_rules
		WHERE tenant_id = $1 AND trigger = $2
		ORDER BY created_at ASC, id ASC`
		args = append(args, string(trigger))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*FlowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update replaces an existing rule. Creation time is preserved; the
// condition and action lists are replaced wholesale.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *FlowRule) error {
	conditions, actions, err := marshalLists(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE flow_rules
		SET name = $1, description = $2, trigger = $3, priority = $4, active = $5,
			stop_on_error = $6, expression = $7, conditions = $8, actions = $9, updated_at = $10
		WHERE id = $11 AND tenant_id = $12
	`, rule.Name, rule.Description, string(rule.Trigger), rule.Priority, rule.Active,
		rule.StopOnError, rule.Expression, conditions, actions, rule.UpdatedAt,
		rule.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	return nil
}

// Delete removes a rule.
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_rules
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}

func marshalLists(rule *FlowRule) (conditions, actions []byte, err error) {
	if rule.Conditions == nil {
		rule.Conditions = []RuleCondition{}
	}
	if rule.Actions == nil {
		rule.Actions = []RuleAction{}
	}

	conditions, err = json.Marshal(rule.Conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	return conditions, actions, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*FlowRule, error) {
	var (
		rule       FlowRule
		trigger    string
		conditions []byte
		actions    []byte
	)
	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&trigger,
		&rule.Priority,
		&rule.Active,
		&rule.StopOnError,
		&rule.Expression,
		&conditions,
		&actions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Trigger = Trigger(trigger)
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}
	return &rule, nil
}
