// Package query implements goal-directed queries over the fact store:
// a backward chainer that answers "is this goal satisfiable", either
// directly from stored facts or through rules whose actions could
// derive the goal, producing a proof tree either way.
package query

import (
	"strings"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// DefaultMaxDepth bounds chaining recursion.
const DefaultMaxDepth = 32

// Goal is what to prove. Exactly one form is meaningful: a fact goal
// (Pattern, with optional Operator and Value), or a composite over All,
// Any or Not.
type Goal struct {
	// Pattern is a fact key pattern. With Operator unset the goal is
	// satisfied by any matching fact; with an operator the matching
	// fact's value must also pass the comparison against Value.
	Pattern  string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Operator rule.Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any           `json:"value,omitempty" yaml:"value,omitempty"`

	All []Goal `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Goal `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Goal  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Proof is one node of the proof tree.
type Proof struct {
	Goal      Goal         `json:"goal"`
	Satisfied bool         `json:"satisfied"`
	// Facts are the stored facts that satisfied a fact goal directly.
	Facts []rule.Fact `json:"facts,omitempty"`
	// RuleID names the rule whose actions derived the goal, when the
	// proof went through chaining rather than stored facts.
	RuleID   string   `json:"ruleId,omitempty"`
	Children []*Proof `json:"children,omitempty"`
}

// FactSource is the read surface the prover needs. Both the fact store
// and its snapshots satisfy it.
type FactSource interface {
	Get(key string) (rule.Fact, bool)
	Query(pattern string) ([]rule.Fact, error)
}

// Prover answers goals against one consistent fact view and rule set.
type Prover struct {
	facts    FactSource
	rules    []*rule.Rule
	maxDepth int
}

// Option adjusts prover construction.
type Option func(*Prover)

// WithMaxDepth bounds chaining recursion.
func WithMaxDepth(n int) Option {
	return func(p *Prover) {
		if n > 0 {
			p.maxDepth = n
		}
	}
}

// New returns a prover over the given fact view and rules.
func New(facts FactSource, rules []*rule.Rule, opts ...Option) *Prover {
	p := &Prover{facts: facts, rules: rules, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prove attempts the goal and returns its proof tree.
func (p *Prover) Prove(goal Goal) (*Proof, error) {
	if err := validateGoal(goal); err != nil {
		return nil, err
	}
	return p.prove(goal, 0, make(map[string]struct{})), nil
}

func validateGoal(g Goal) error {
	forms := 0
	if g.Pattern != "" {
		forms++
	}
	if len(g.All) > 0 {
		forms++
	}
	if len(g.Any) > 0 {
		forms++
	}
	if g.Not != nil {
		forms++
	}
	if forms != 1 {
		return rule.NewInvalidArgument("goal must have exactly one of pattern, all, any or not")
	}
	if g.Pattern != "" {
		if err := pattern.Validate(g.Pattern, pattern.KeySep); err != nil {
			return rule.NewInvalidArgument("goal pattern: %v", err)
		}
		if g.Operator != "" && !rule.KnownOperator(g.Operator) {
			return rule.NewInvalidArgument("goal operator %q is not recognized", g.Operator)
		}
	}
	for _, sub := range g.All {
		if err := validateGoal(sub); err != nil {
			return err
		}
	}
	for _, sub := range g.Any {
		if err := validateGoal(sub); err != nil {
			return err
		}
	}
	if g.Not != nil {
		return validateGoal(*g.Not)
	}
	return nil
}

func (p *Prover) prove(g Goal, depth int, chaining map[string]struct{}) *Proof {
	proof := &Proof{Goal: g}
	if depth > p.maxDepth {
		return proof
	}

	switch {
	case len(g.All) > 0:
		proof.Satisfied = true
		for _, sub := range g.All {
			child := p.prove(sub, depth+1, chaining)
			proof.Children = append(proof.Children, child)
			if !child.Satisfied {
				proof.Satisfied = false
			}
		}
		return proof

	case len(g.Any) > 0:
		for _, sub := range g.Any {
			child := p.prove(sub, depth+1, chaining)
			proof.Children = append(proof.Children, child)
			if child.Satisfied {
				proof.Satisfied = true
			}
		}
		return proof

	case g.Not != nil:
		child := p.prove(*g.Not, depth+1, chaining)
		proof.Children = append(proof.Children, child)
		proof.Satisfied = !child.Satisfied
		return proof
	}

	// Fact goal: stored facts first.
	matched, err := p.facts.Query(g.Pattern)
	if g.Operator == rule.OpNotExists {
		proof.Satisfied = err == nil && len(matched) == 0
		return proof
	}
	if err == nil {
		for _, f := range matched {
			if g.Operator == "" || check(g.Operator, f.Value, g.Value) {
				proof.Facts = append(proof.Facts, f)
			}
		}
	}
	if len(proof.Facts) > 0 {
		proof.Satisfied = true
		return proof
	}

	// Chain backward through rules whose set_fact actions could derive
	// a matching fact.
	for _, r := range p.rules {
		if _, busy := chaining[r.ID]; busy {
			continue
		}
		if !p.canDerive(r, g) {
			continue
		}
		chaining[r.ID] = struct{}{}
		child := p.proveConditions(r, depth+1, chaining)
		delete(chaining, r.ID)

		if child != nil {
			proof.RuleID = r.ID
			proof.Children = child.Children
			proof.Satisfied = true
			return proof
		}
	}
	return proof
}

// canDerive reports whether any of the rule's set_fact actions writes a
// key the goal's pattern would match. Interpolated keys are matched
// conservatively on their literal prefix.
func (p *Prover) canDerive(r *rule.Rule, g Goal) bool {
	for _, a := range flatten(r.Actions) {
		if a.Kind != rule.ActionSetFact {
			continue
		}
		key := a.Key
		if i := strings.Index(key, "${"); i >= 0 {
			// An interpolated key can only be checked up to the first
			// token; require the pattern to be satisfiable from there.
			key = key[:i]
			if key == "" {
				return true
			}
			if strings.HasPrefix(g.Pattern, key) || strings.HasPrefix(key, firstLiteral(g.Pattern)) {
				return true
			}
			continue
		}
		if pattern.MatchKey(g.Pattern, key) {
			return true
		}
	}
	return false
}

// proveConditions proves the rule's fact conditions as subgoals. A rule
// with conditions the prover cannot reason about (event, context,
// lookup, baseline sources, or referenced operands) is not usable for
// chaining. Returns nil when the rule's conditions cannot be proven.
func (p *Prover) proveConditions(r *rule.Rule, depth int, chaining map[string]struct{}) *Proof {
	node := &Proof{Satisfied: true}
	for _, c := range r.Conditions {
		goal, ok := conditionGoal(c)
		if !ok {
			return nil
		}
		child := p.prove(goal, depth, chaining)
		node.Children = append(node.Children, child)
		if !child.Satisfied {
			return nil
		}
	}
	return node
}

// conditionGoal translates a fact condition into a goal. Only fact
// sources with literal operands translate.
func conditionGoal(c rule.Condition) (Goal, bool) {
	if c.Source.Kind != rule.SourceFact || c.Source.Field != "" {
		return Goal{}, false
	}
	if rule.HasInterpolation(c.Source.Pattern) {
		return Goal{}, false
	}
	if _, isRef := rule.AsRef(c.Value); isRef {
		return Goal{}, false
	}
	g := Goal{Pattern: c.Source.Pattern, Operator: c.Operator, Value: c.Value}
	if c.Negate {
		inner := g
		g = Goal{Not: &inner}
	}
	return g, true
}

// flatten expands conditional branches and loop bodies so canDerive
// sees every reachable set_fact.
func flatten(actions []rule.Action) []rule.Action {
	var out []rule.Action
	for _, a := range actions {
		out = append(out, a)
		out = append(out, flatten(a.Then)...)
		out = append(out, flatten(a.Else)...)
		out = append(out, flatten(a.Body)...)
	}
	return out
}

// firstLiteral returns the pattern text before its first wildcard.
func firstLiteral(pat string) string {
	if i := strings.IndexByte(pat, '*'); i >= 0 {
		return pat[:i]
	}
	return pat
}

// check applies an operator between a fact value and a literal operand.
// The supported subset mirrors condition evaluation for values
// resolvable from facts alone.
func check(op rule.Operator, value, operand any) bool {
	switch op {
	case rule.OpEq:
		return rule.Equal(value, operand)
	case rule.OpNeq:
		return !rule.Equal(value, operand)
	case rule.OpGt, rule.OpGte, rule.OpLt, rule.OpLte:
		cmp, ok := order(value, operand)
		if !ok {
			return false
		}
		switch op {
		case rule.OpGt:
			return cmp > 0
		case rule.OpGte:
			return cmp >= 0
		case rule.OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case rule.OpIn:
		items, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if rule.Equal(item, value) {
				return true
			}
		}
		return false
	case rule.OpNotIn:
		return !check(rule.OpIn, value, operand)
	case rule.OpContains:
		switch v := value.(type) {
		case string:
			return strings.Contains(v, rule.Stringify(operand))
		case []any:
			for _, item := range v {
				if rule.Equal(item, operand) {
					return true
				}
			}
		}
		return false
	case rule.OpNotContains:
		return !check(rule.OpContains, value, operand)
	case rule.OpExists:
		return true
	case rule.OpNotExists:
		return false
	}
	return false
}

// order compares two finite numbers; non-numeric operands do not order.
func order(a, b any) (int, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
