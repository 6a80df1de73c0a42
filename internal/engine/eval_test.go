package engine

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/facts"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/service"
)

func evalContext(t *testing.T, seed map[string]any) *Context {
	t.Helper()
	store := facts.NewStore(clockwork.NewFakeClock())
	t.Cleanup(store.Close)
	for k, v := range seed {
		_, err := store.Set(k, v, "test")
		require.NoError(t, err)
	}
	return &Context{
		Event: rule.Event{
			ID:    "ev-1",
			Topic: "order.created",
			Data:  map[string]any{"total": 250, "user": map[string]any{"id": "u1"}},
		},
		Facts:   store.Snapshot(),
		Vars:    map[string]any{"threshold": 100},
		Lookups: map[string]any{"profile": map[string]any{"tier": "gold"}},
	}
}

func evalOne(t *testing.T, c rule.Condition, ec *Context) bool {
	t.Helper()
	ev := &evaluator{}
	pass, err := ev.Evaluate(context.Background(), c, ec)
	require.NoError(t, err)
	return pass
}

func TestEvaluate_Operators(t *testing.T) {
	ec := evalContext(t, map[string]any{
		"score": 7,
		"name":  "alice",
		"tags":  []any{"vip", "beta"},
	})

	fact := func(pattern string) rule.ConditionSource {
		return rule.ConditionSource{Kind: rule.SourceFact, Pattern: pattern}
	}

	cases := []struct {
		name string
		cond rule.Condition
		want bool
	}{
		{"eq", rule.Condition{Source: fact("score"), Operator: rule.OpEq, Value: 7}, true},
		{"eq cross-type numeric", rule.Condition{Source: fact("score"), Operator: rule.OpEq, Value: 7.0}, true},
		{"neq", rule.Condition{Source: fact("score"), Operator: rule.OpNeq, Value: 8}, true},
		{"gt", rule.Condition{Source: fact("score"), Operator: rule.OpGt, Value: 5}, true},
		{"gte boundary", rule.Condition{Source: fact("score"), Operator: rule.OpGte, Value: 7}, true},
		{"lt fails", rule.Condition{Source: fact("score"), Operator: rule.OpLt, Value: 7}, false},
		{"lte boundary", rule.Condition{Source: fact("score"), Operator: rule.OpLte, Value: 7}, true},
		{"strings do not order", rule.Condition{Source: fact("name"), Operator: rule.OpLt, Value: "bob"}, false},
		{"strings do not order gt", rule.Condition{Source: fact("name"), Operator: rule.OpGt, Value: "aaa"}, false},
		{"mixed types do not order", rule.Condition{Source: fact("name"), Operator: rule.OpGt, Value: 5}, false},
		{"in", rule.Condition{Source: fact("name"), Operator: rule.OpIn, Value: []any{"alice", "carol"}}, true},
		{"not_in", rule.Condition{Source: fact("name"), Operator: rule.OpNotIn, Value: []any{"bob"}}, true},
		{"contains substring", rule.Condition{Source: fact("name"), Operator: rule.OpContains, Value: "lic"}, true},
		{"contains member", rule.Condition{Source: fact("tags"), Operator: rule.OpContains, Value: "vip"}, true},
		{"not_contains", rule.Condition{Source: fact("tags"), Operator: rule.OpNotContains, Value: "alpha"}, true},
		{"matches", rule.Condition{Source: fact("name"), Operator: rule.OpMatches, Value: "^ali"}, true},
		{"matches bad regexp", rule.Condition{Source: fact("name"), Operator: rule.OpMatches, Value: "("}, false},
		{"exists", rule.Condition{Source: fact("score"), Operator: rule.OpExists}, true},
		{"not_exists on absent", rule.Condition{Source: fact("missing"), Operator: rule.OpNotExists}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evalOne(t, tc.cond, ec))
		})
	}
}

func TestEvaluate_UndefinedSourceFailsExceptNotExists(t *testing.T) {
	ec := evalContext(t, nil)
	src := rule.ConditionSource{Kind: rule.SourceFact, Pattern: "missing"}

	for _, op := range []rule.Operator{rule.OpEq, rule.OpGt, rule.OpContains, rule.OpExists} {
		assert.False(t, evalOne(t, rule.Condition{Source: src, Operator: op, Value: 1}, ec), string(op))
	}
	assert.True(t, evalOne(t, rule.Condition{Source: src, Operator: rule.OpNotExists}, ec))
}

func TestEvaluate_NegateInvertsAfterOperator(t *testing.T) {
	ec := evalContext(t, map[string]any{"score": 7})
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "score"},
		Operator: rule.OpGt,
		Value:    5,
		Negate:   true,
	}
	assert.False(t, evalOne(t, c, ec))

	// Negated undefined flips false to true.
	c.Source.Pattern = "missing"
	assert.True(t, evalOne(t, c, ec))
}

func TestEvaluate_WildcardFactIsExistential(t *testing.T) {
	ec := evalContext(t, map[string]any{
		"temp:kitchen": 19,
		"temp:attic":   31,
	})
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "temp:*"},
		Operator: rule.OpGt,
		Value:    30,
	}
	assert.True(t, evalOne(t, c, ec), "one matching member is enough")

	c.Value = 40
	assert.False(t, evalOne(t, c, ec))

	// No matches at all leaves the source undefined.
	c.Source.Pattern = "humidity:*"
	assert.False(t, evalOne(t, c, ec))
	c.Operator = rule.OpNotExists
	assert.True(t, evalOne(t, c, ec))
}

func TestEvaluate_SourceKinds(t *testing.T) {
	ec := evalContext(t, map[string]any{
		"user:u1": map[string]any{"plan": "pro"},
	})

	t.Run("event field", func(t *testing.T) {
		c := rule.Condition{
			Source:   rule.ConditionSource{Kind: rule.SourceEvent, Field: "user.id"},
			Operator: rule.OpEq,
			Value:    "u1",
		}
		assert.True(t, evalOne(t, c, ec))
	})

	t.Run("fact field descent", func(t *testing.T) {
		c := rule.Condition{
			Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "user:u1", Field: "plan"},
			Operator: rule.OpEq,
			Value:    "pro",
		}
		assert.True(t, evalOne(t, c, ec))
	})

	t.Run("context variable", func(t *testing.T) {
		c := rule.Condition{
			Source:   rule.ConditionSource{Kind: rule.SourceContext, Key: "threshold"},
			Operator: rule.OpEq,
			Value:    100,
		}
		assert.True(t, evalOne(t, c, ec))
	})

	t.Run("lookup field", func(t *testing.T) {
		c := rule.Condition{
			Source:   rule.ConditionSource{Kind: rule.SourceLookup, Name: "profile", Field: "tier"},
			Operator: rule.OpEq,
			Value:    "gold",
		}
		assert.True(t, evalOne(t, c, ec))
	})
}

func TestEvaluate_InterpolatedFactPattern(t *testing.T) {
	ec := evalContext(t, map[string]any{"cart:u1": 3})
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "cart:${event.data.user.id}"},
		Operator: rule.OpEq,
		Value:    3,
	}
	assert.True(t, evalOne(t, c, ec))
}

func TestEvaluate_RefOperand(t *testing.T) {
	ec := evalContext(t, map[string]any{"score": 150})
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceFact, Pattern: "score"},
		Operator: rule.OpGt,
		Value:    rule.NewRef("var.threshold"),
	}
	assert.True(t, evalOne(t, c, ec))

	// Undefined operand fails the comparison rather than comparing nil.
	c.Value = rule.NewRef("var.missing")
	assert.False(t, evalOne(t, c, ec))
}

func TestEvaluate_BaselineVerdict(t *testing.T) {
	b := service.NewRollingBaseline(32)
	ev := &evaluator{baseline: b}

	ec := evalContext(t, nil)
	ec.Event.Data["total"] = 10_000

	// Metric names a field in the event payload; the resolved source is
	// the anomaly verdict.
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceBaseline, Metric: "total", Sensitivity: 3},
		Operator: rule.OpEq,
		Value:    true,
	}

	pass, err := ev.Evaluate(context.Background(), c, ec)
	require.NoError(t, err)
	assert.False(t, pass, "warmup verdicts are negative")

	for i := 0; i < 20; i++ {
		b.Observe("total", 100)
	}
	pass, err = ev.Evaluate(context.Background(), c, ec)
	require.NoError(t, err)
	assert.True(t, pass, "a spike against a flat history is anomalous")
}

func TestEvaluate_BaselineWithoutStoreErrors(t *testing.T) {
	ev := &evaluator{}
	ec := evalContext(t, nil)
	c := rule.Condition{
		Source:   rule.ConditionSource{Kind: rule.SourceBaseline, Metric: "total"},
		Operator: rule.OpEq,
		Value:    true,
	}
	_, err := ev.Evaluate(context.Background(), c, ec)
	require.Error(t, err)
	assert.True(t, rule.IsInvalidArgument(err))
}

func TestContext_Resolve(t *testing.T) {
	ec := evalContext(t, map[string]any{
		"user:u1": map[string]any{"tags": []any{"vip"}},
	})

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"event.topic", "order.created", true},
		{"event.data.total", 250, true},
		{"event.total", 250, true}, // data-rooted fallback
		{"fact.user:u1.tags.0", "vip", true},
		{"facts.user:u1.tags.0", "vip", true},
		{"var.threshold", 100, true},
		{"context.threshold", 100, true},
		{"lookup.profile.tier", "gold", true},
		{"fact.missing", nil, false},
		{"bogus.path", nil, false},
	}
	for _, tc := range cases {
		v, ok := ec.Resolve(tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
		if tc.ok {
			assert.Equal(t, tc.want, v, tc.path)
		}
	}
}
