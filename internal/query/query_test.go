package query

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/facts"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

func seedFacts(t *testing.T, seed map[string]any) *facts.Store {
	t.Helper()
	store := facts.NewStore(clockwork.NewFakeClock())
	t.Cleanup(store.Close)
	for k, v := range seed {
		_, err := store.Set(k, v, "test")
		require.NoError(t, err)
	}
	return store
}

func factRule(id, key string, conds ...rule.Condition) *rule.Rule {
	return &rule.Rule{
		ID:         id,
		Name:       id,
		Enabled:    true,
		Trigger:    rule.OnEvent("any"),
		Conditions: conds,
		Actions:    []rule.Action{rule.SetFact(key, true)},
	}
}

func TestProve_DirectFact(t *testing.T) {
	store := seedFacts(t, map[string]any{"user:42:plan": "pro"})
	p := New(store, nil)

	proof, err := p.Prove(Goal{Pattern: "user:42:plan"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	require.Len(t, proof.Facts, 1)
	assert.Equal(t, "pro", proof.Facts[0].Value)

	proof, err = p.Prove(Goal{Pattern: "user:43:plan"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_FactWithOperator(t *testing.T) {
	store := seedFacts(t, map[string]any{
		"temp:attic":   35,
		"temp:kitchen": 20,
	})
	p := New(store, nil)

	proof, err := p.Prove(Goal{Pattern: "temp:*", Operator: rule.OpGt, Value: 30})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	require.Len(t, proof.Facts, 1)
	assert.Equal(t, "temp:attic", proof.Facts[0].Key)

	proof, err = p.Prove(Goal{Pattern: "temp:*", Operator: rule.OpGt, Value: 50})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_OrderingIsNumericOnly(t *testing.T) {
	store := seedFacts(t, map[string]any{"plan:u1": "pro"})
	p := New(store, nil)

	// Strings never satisfy gt/lt, even when both sides are strings.
	proof, err := p.Prove(Goal{Pattern: "plan:u1", Operator: rule.OpGt, Value: "basic"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_NotExists(t *testing.T) {
	store := seedFacts(t, map[string]any{"lock:u1": true})
	p := New(store, nil)

	proof, err := p.Prove(Goal{Pattern: "lock:u2", Operator: rule.OpNotExists})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)

	proof, err = p.Prove(Goal{Pattern: "lock:u1", Operator: rule.OpNotExists})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_Composites(t *testing.T) {
	store := seedFacts(t, map[string]any{"a": 1, "b": 2})
	p := New(store, nil)

	proof, err := p.Prove(Goal{All: []Goal{{Pattern: "a"}, {Pattern: "b"}}})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	assert.Len(t, proof.Children, 2)

	proof, err = p.Prove(Goal{All: []Goal{{Pattern: "a"}, {Pattern: "missing"}}})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)

	proof, err = p.Prove(Goal{Any: []Goal{{Pattern: "missing"}, {Pattern: "b"}}})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)

	proof, err = p.Prove(Goal{Not: &Goal{Pattern: "missing"}})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
}

func TestProve_BackwardChaining(t *testing.T) {
	// premium:u1 is derivable: a rule sets it when plan:u1 == "pro",
	// and plan:u1 is stored.
	store := seedFacts(t, map[string]any{"plan:u1": "pro"})
	r := factRule("grant-premium", "premium:u1", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "plan:u1"},
		Operator: rule.OpEq,
		Value:    "pro",
	})
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "premium:u1"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	assert.Equal(t, "grant-premium", proof.RuleID)
	require.Len(t, proof.Children, 1)
	assert.True(t, proof.Children[0].Satisfied)
}

func TestProve_ChainingFailsWhenConditionUnprovable(t *testing.T) {
	store := seedFacts(t, map[string]any{"plan:u1": "free"})
	r := factRule("grant-premium", "premium:u1", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "plan:u1"},
		Operator: rule.OpEq,
		Value:    "pro",
	})
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "premium:u1"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
	assert.Empty(t, proof.RuleID)
}

func TestProve_MultiStepChain(t *testing.T) {
	store := seedFacts(t, map[string]any{"base": 1})
	step1 := factRule("s1", "mid", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "base"},
		Operator: rule.OpExists,
	})
	step2 := factRule("s2", "top", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "mid"},
		Operator: rule.OpExists,
	})
	p := New(store, []*rule.Rule{step1, step2})

	proof, err := p.Prove(Goal{Pattern: "top"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	assert.Equal(t, "s2", proof.RuleID)
}

func TestProve_CyclicRulesTerminate(t *testing.T) {
	store := seedFacts(t, nil)
	a := factRule("a", "fact:a", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "fact:b"},
		Operator: rule.OpExists,
	})
	b := factRule("b", "fact:b", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "fact:a"},
		Operator: rule.OpExists,
	})
	p := New(store, []*rule.Rule{a, b})

	proof, err := p.Prove(Goal{Pattern: "fact:a"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_EventConditionedRuleNotUsable(t *testing.T) {
	store := seedFacts(t, nil)
	r := factRule("needs-event", "derived", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceEvent, Field: "total"},
		Operator: rule.OpGt,
		Value:    100,
	})
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "derived"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied, "rules needing a live event cannot chain")
}

func TestProve_UnconditionedRuleDerives(t *testing.T) {
	store := seedFacts(t, nil)
	r := factRule("always", "derived")
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "derived"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
	assert.Equal(t, "always", proof.RuleID)
}

func TestProve_InterpolatedKeyMatchesConservatively(t *testing.T) {
	store := seedFacts(t, nil)
	r := &rule.Rule{
		ID: "templated", Name: "templated", Enabled: true,
		Trigger: rule.OnEvent("any"),
		Actions: []rule.Action{rule.SetFact("lock:${event.data.user}", true)},
	}
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "lock:u1"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied, "literal prefix matches the templated key")

	proof, err = p.Prove(Goal{Pattern: "session:u1"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_SetFactInsideBranchesIsReachable(t *testing.T) {
	store := seedFacts(t, nil)
	r := &rule.Rule{
		ID: "branchy", Name: "branchy", Enabled: true,
		Trigger: rule.OnEvent("any"),
		Actions: []rule.Action{{
			Kind: rule.ActionConditional,
			Then: []rule.Action{rule.SetFact("nested", true)},
		}},
	}
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "nested"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)
}

func TestProve_NegatedConditionTranslates(t *testing.T) {
	store := seedFacts(t, nil)
	r := factRule("unless-locked", "allowed", rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "lock"},
		Operator: rule.OpExists,
		Negate:   true,
	})
	p := New(store, []*rule.Rule{r})

	proof, err := p.Prove(Goal{Pattern: "allowed"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied, "negated exists proves while lock is absent")

	_, err = store.Set("lock", true, "test")
	require.NoError(t, err)
	p = New(store, []*rule.Rule{r})
	proof, err = p.Prove(Goal{Pattern: "allowed"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied)
}

func TestProve_DepthBound(t *testing.T) {
	store := seedFacts(t, nil)
	// Chain deeper than the bound: goal d0 needs d1 needs d2...
	var rules []*rule.Rule
	for i := 0; i < 6; i++ {
		rules = append(rules, factRule(
			"r"+string(rune('0'+i)),
			"d"+string(rune('0'+i)),
			rule.Condition{
				Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "d" + string(rune('1'+i))},
				Operator: rule.OpExists,
			},
		))
	}
	_, err := store.Set("d6", true, "test")
	require.NoError(t, err)

	deep := New(store, rules)
	proof, err := deep.Prove(Goal{Pattern: "d0"})
	require.NoError(t, err)
	assert.True(t, proof.Satisfied)

	shallow := New(store, rules, WithMaxDepth(3))
	proof, err = shallow.Prove(Goal{Pattern: "d0"})
	require.NoError(t, err)
	assert.False(t, proof.Satisfied, "chain is cut off at the depth bound")
}

func TestValidateGoal(t *testing.T) {
	p := New(seedFacts(t, nil), nil)

	_, err := p.Prove(Goal{})
	assert.True(t, rule.IsInvalidArgument(err))

	_, err = p.Prove(Goal{Pattern: "a", All: []Goal{{Pattern: "b"}}})
	assert.True(t, rule.IsInvalidArgument(err))

	_, err = p.Prove(Goal{Pattern: "a", Operator: "weird"})
	assert.True(t, rule.IsInvalidArgument(err))

	_, err = p.Prove(Goal{All: []Goal{{}}})
	assert.True(t, rule.IsInvalidArgument(err))
}
