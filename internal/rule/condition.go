package rule

// Operator is a comparison applied between a resolved source value and the
// condition's literal (or referenced) operand.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNeq         Operator = "neq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Operators lists every recognized operator, in documentation order.
var Operators = []Operator{
	OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte,
	OpIn, OpNotIn, OpContains, OpNotContains, OpMatches,
	OpExists, OpNotExists,
}

// KnownOperator reports whether op is one of the recognized operators.
func KnownOperator(op Operator) bool {
	for _, o := range Operators {
		if o == op {
			return true
		}
	}
	return false
}

// SourceKind discriminates where a condition reads its left-hand value from.
type SourceKind string

const (
	// SourceFact reads fact values by key pattern.
	SourceFact SourceKind = "fact"
	// SourceEvent reads a field from the triggering event's data.
	SourceEvent SourceKind = "event"
	// SourceContext reads a named context variable.
	SourceContext SourceKind = "context"
	// SourceLookup reads a precomputed lookup result.
	SourceLookup SourceKind = "lookup"
	// SourceBaseline asks the baseline store for an anomaly verdict.
	SourceBaseline SourceKind = "baseline"
)

// ConditionSource names the value a condition compares. One shape per Kind:
//
//	fact:     Pattern, a fact key that may carry wildcards and ${...}
//	          tokens. Without wildcards it reads one fact; with wildcards
//	          it resolves to the multiset of matching fact values.
//	event:    Field, a dotted path into the trigger event's data.
//	context:  Key, a context variable name.
//	lookup:   Name, a lookup result name with an optional dotted field
//	          path appended ("risk.score").
//	baseline: Metric plus Comparison/Sensitivity tuning; the resolved
//	          value is the anomaly verdict itself.
type ConditionSource struct {
	Kind    SourceKind `json:"kind" yaml:"kind"`
	Pattern string     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Field   string     `json:"field,omitempty" yaml:"field,omitempty"`
	Key     string     `json:"key,omitempty" yaml:"key,omitempty"`
	Name    string     `json:"name,omitempty" yaml:"name,omitempty"`

	Metric      string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Comparison  string  `json:"comparison,omitempty" yaml:"comparison,omitempty"`
	Sensitivity float64 `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
}

// Condition compares a resolved source against Value using Operator.
// All of a rule's conditions must pass for the rule to fire (implicit AND).
// Value may be a literal or a Ref resolved at evaluation time. Negate
// inverts the outcome after the operator resolves.
type Condition struct {
	Source   ConditionSource `json:"source" yaml:"source"`
	Operator Operator        `json:"operator" yaml:"operator"`
	Value    any             `json:"value,omitempty" yaml:"value,omitempty"`
	Negate   bool            `json:"negate,omitempty" yaml:"negate,omitempty"`
}
