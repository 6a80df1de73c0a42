// Package audit implements the engine's observability trail: a trace bus
// fanning every lifecycle entry out to subscribers, and an append-only
// audit log retaining the categorised subset, optionally persisted through
// a storage adapter.
package audit

// Category groups audit entry types.
type Category string

const (
	CategoryRule      Category = "rule"
	CategoryExecution Category = "execution"
	CategoryData      Category = "data"
	CategoryTimer     Category = "timer"
	CategorySystem    Category = "system"
)

// Type identifies one lifecycle event. The audited subset maps onto
// categories via CategoryOf; the remaining types are trace-only.
type Type string

const (
	// Rule lifecycle.
	TypeRuleRegistered   Type = "rule_registered"
	TypeRuleUnregistered Type = "rule_unregistered"
	TypeRuleEnabled      Type = "rule_enabled"
	TypeRuleDisabled     Type = "rule_disabled"

	// Execution.
	TypeRuleTriggered Type = "rule_triggered"
	TypeRuleSkipped   Type = "rule_skipped"
	TypeRuleExecuted  Type = "rule_executed"
	TypeRuleFailed    Type = "rule_failed"
	TypeActionFailed  Type = "action_failed"

	// Data.
	TypeEventEmitted Type = "event_emitted"
	TypeFactCreated  Type = "fact_created"
	TypeFactUpdated  Type = "fact_updated"
	TypeFactDeleted  Type = "fact_deleted"

	// Timers.
	TypeTimerScheduled Type = "timer_scheduled"
	TypeTimerFired     Type = "timer_fired"

	// System.
	TypeEngineStarted Type = "engine_started"
	TypeEngineStopped Type = "engine_stopped"
	TypeStorageError  Type = "storage_error"

	// Trace-only types below; they never reach the audit log.
	TypeConditionEvaluated Type = "condition_evaluated"
	TypeActionStarted      Type = "action_started"
	TypeActionCompleted    Type = "action_completed"
	TypeRuleUpdated        Type = "rule_updated"
	TypeGroupCreated       Type = "group_created"
	TypeGroupUpdated       Type = "group_updated"
	TypeGroupDeleted       Type = "group_deleted"
	TypeGroupEnabled       Type = "group_enabled"
	TypeGroupDisabled      Type = "group_disabled"
	TypeTimerCancelled     Type = "timer_cancelled"
	TypeRulesReloaded      Type = "rules_reloaded"
	TypeBaselineEvaluated  Type = "baseline_evaluated"
	TypeQueryStarted       Type = "query_started"
	TypeQueryCompleted     Type = "query_completed"
)

// categories is the fixed mapping of the audited subset. Eighteen types
// across five categories; everything else is trace-only.
var categories = map[Type]Category{
	TypeRuleRegistered:   CategoryRule,
	TypeRuleUnregistered: CategoryRule,
	TypeRuleEnabled:      CategoryRule,
	TypeRuleDisabled:     CategoryRule,

	TypeRuleTriggered: CategoryExecution,
	TypeRuleSkipped:   CategoryExecution,
	TypeRuleExecuted:  CategoryExecution,
	TypeRuleFailed:    CategoryExecution,
	TypeActionFailed:  CategoryExecution,

	TypeEventEmitted: CategoryData,
	TypeFactCreated:  CategoryData,
	TypeFactUpdated:  CategoryData,
	TypeFactDeleted:  CategoryData,

	TypeTimerScheduled: CategoryTimer,
	TypeTimerFired:     CategoryTimer,

	TypeEngineStarted: CategorySystem,
	TypeEngineStopped: CategorySystem,
	TypeStorageError:  CategorySystem,
}

// CategoryOf returns the audit category for t. ok is false for trace-only
// types.
func CategoryOf(t Type) (Category, bool) {
	c, ok := categories[t]
	return c, ok
}

// Audited reports whether t belongs to the audit log's fixed subset.
func Audited(t Type) bool {
	_, ok := categories[t]
	return ok
}

// Entry is one audit or trace record.
type Entry struct {
	ID            string         `json:"id" yaml:"id"`
	Timestamp     int64          `json:"timestamp" yaml:"timestamp"`
	Category      Category       `json:"category,omitempty" yaml:"category,omitempty"`
	Type          Type           `json:"type" yaml:"type"`
	Summary       string         `json:"summary" yaml:"summary"`
	Source        string         `json:"source,omitempty" yaml:"source,omitempty"`
	RuleID        string         `json:"ruleId,omitempty" yaml:"ruleId,omitempty"`
	RuleName      string         `json:"ruleName,omitempty" yaml:"ruleName,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty" yaml:"correlationId,omitempty"`
	Details       map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	DurationMs    float64        `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
}
