package schedule

import (
	"context"
	"errors"
)

// ErrNotFound reports an update/delete/get against an unknown rule id.
var ErrNotFound = errors.New("schedule rule not found")

// Store is the persistence contract the engine writes through.
//
// Implementations must apply each single-row write atomically (no partial
// field application) and must return ErrNotFound, not a generic failure,
// for operations on unknown ids.
type Store interface {
	CreateRule(ctx context.Context, r Rule) (int64, error)
	UpdateRule(ctx context.Context, id int64, fields RuleUpdate) error
	DeleteRule(ctx context.Context, id int64) error
	GetRule(ctx context.Context, id int64) (Rule, error)
	// ListEnabled returns every rule with enabled = true.
	ListEnabled(ctx context.Context) ([]Rule, error)
	// ListRules returns every rule, enabled or not.
	ListRules(ctx context.Context) ([]Rule, error)

	AppendExecution(ctx context.Context, rec ExecutionRecord) (int64, error)
	// ListExecutions returns records newest-first. ruleID 0 means all rules.
	ListExecutions(ctx context.Context, ruleID int64, limit int) ([]ExecutionRecord, error)
}
