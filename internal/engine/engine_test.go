package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/ident"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/service"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	cfg.Tracing.Enabled = true
	all := append([]Option{
		WithClock(clock),
		WithIDs(ident.NewSequenceGenerator("id")),
	}, opts...)
	e, err := New(cfg, all...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, clock
}

func emitWait(t *testing.T, e *Engine, topic string, data map[string]any) rule.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := e.EmitWait(ctx, topic, data)
	require.NoError(t, err)
	return ev
}

func eventRule(id, topic string, actions ...rule.Action) *rule.Rule {
	return &rule.Rule{
		ID:      id,
		Name:    id,
		Enabled: true,
		Trigger: rule.OnEvent(topic),
		Actions: actions,
	}
}

func TestEngine_EventRuleFiresWhenConditionsPass(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	r := eventRule("flag-large-orders", "order.created",
		rule.SetFact("flagged:${event.data.orderId}", rule.NewRef("event.data.total")),
		rule.EmitEvent("order.flagged", map[string]any{
			"orderId": rule.NewRef("event.data.orderId"),
		}),
	)
	r.Conditions = []rule.Condition{{
		Source:   rule.ConditionSource{Kind: rule.SourceEvent, Field: "total"},
		Operator: rule.OpGt,
		Value:    100,
	}}
	_, err := e.RegisterRule(r)
	require.NoError(t, err)

	trigger := emitWait(t, e, "order.created", map[string]any{"orderId": "o-1", "total": 250})

	f, ok := e.GetFact("flagged:o-1")
	require.True(t, ok)
	assert.Equal(t, 250, f.Value)

	derived := e.Events().ByTopic("order.flagged")
	require.Len(t, derived, 1)
	assert.Equal(t, trigger.CorrelationID, derived[0].CorrelationID)
	assert.Equal(t, trigger.ID, derived[0].CausationID)
	assert.Equal(t, "o-1", derived[0].Data["orderId"])

	// Below the threshold nothing fires.
	emitWait(t, e, "order.created", map[string]any{"orderId": "o-2", "total": 50})
	_, ok = e.GetFact("flagged:o-2")
	assert.False(t, ok)
	assert.Len(t, e.Events().ByTopic("order.flagged"), 1)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.RulesFired)
	assert.Equal(t, uint64(1), stats.RulesSkipped)
}

func TestEngine_GroupDisableSuppressesMembers(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.CreateGroup(&rule.Group{ID: "alerts", Name: "alerts", Enabled: true})
	require.NoError(t, err)

	r := eventRule("alert", "sensor.reading", rule.SetFact("alerted", true))
	r.Group = "alerts"
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	emitWait(t, e, "sensor.reading", nil)
	f, ok := e.GetFact("alerted")
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Version)

	require.NoError(t, e.DisableGroup("alerts"))
	emitWait(t, e, "sensor.reading", nil)
	f, _ = e.GetFact("alerted")
	assert.Equal(t, uint64(1), f.Version, "member of a disabled group must not fire")

	skips := e.Audit().ByType(audit.TypeRuleSkipped)
	require.NotEmpty(t, skips)
	assert.Equal(t, "disabled", skips[len(skips)-1].Details["reason"])

	require.NoError(t, e.EnableGroup("alerts"))
	emitWait(t, e, "sensor.reading", nil)
	f, _ = e.GetFact("alerted")
	assert.Equal(t, uint64(2), f.Version)
}

func TestEngine_TemporalSequenceFiresRule(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	failed := rule.EventMatcher{Topic: "login.failed"}
	r := &rule.Rule{
		ID:      "brute-force",
		Name:    "brute-force",
		Enabled: true,
		Trigger: rule.OnTemporal(&rule.TemporalPattern{
			Kind:    rule.TemporalSequence,
			Events:  []rule.EventMatcher{failed, failed, failed},
			Within:  "5m",
			GroupBy: "userId",
		}),
		Actions: []rule.Action{
			rule.SetFact("lockout:${event.data.groupKey}", rule.NewRef("event.data.count")),
		},
	}
	_, err := e.RegisterRule(r)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		emitWait(t, e, "login.failed", map[string]any{"userId": "u1"})
	}

	require.Eventually(t, func() bool {
		_, ok := e.GetFact("lockout:u1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	f, _ := e.GetFact("lockout:u1")
	assert.Equal(t, 3, f.Value)
	assert.Equal(t, uint64(1), e.Stats().RulesFired, "sequence completes exactly once")
}

func TestEngine_ConcurrentFiringsOfOneRuleSerialize(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxConcurrency: 4})

	err := e.Services().Register("counter", service.Func{
		"incr": func(_ context.Context, args []any) (any, error) {
			switch v := args[0].(type) {
			case int:
				return v + 1, nil
			case nil:
				return 1, nil
			default:
				return nil, rule.NewInvalidArgument("unexpected counter value %v", v)
			}
		},
	})
	require.NoError(t, err)

	r := eventRule("count-ticks", "tick",
		rule.Action{
			Kind:      rule.ActionCallService,
			Service:   "counter",
			Method:    "incr",
			Args:      []any{rule.NewRef("fact.ticks")},
			ResultKey: "next",
		},
		rule.SetFact("ticks", rule.NewRef("var.next")),
	)
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitWait(t, e, "tick", nil)
		}()
	}
	wg.Wait()

	f, ok := e.GetFact("ticks")
	require.True(t, ok)
	assert.Equal(t, 2, f.Value, "lost update: firings of one rule must serialize")
}

func TestEngine_RepeatingTimerFiresRuleUntilExhausted(t *testing.T) {
	e, clock := newTestEngine(t, Config{})

	arm := eventRule("arm", "start", rule.Action{
		Kind:     rule.ActionSetTimer,
		Name:     "heartbeat",
		Duration: "100ms",
		OnExpire: &rule.EventTemplate{Topic: "heartbeat.tick"},
		Repeat:   &rule.RepeatSpec{Interval: "100ms", MaxCount: 3},
	})
	_, err := e.RegisterRule(arm)
	require.NoError(t, err)

	onTimer := &rule.Rule{
		ID:      "on-heartbeat",
		Name:    "on-heartbeat",
		Enabled: true,
		Trigger: rule.OnTimer("heartbeat"),
		Actions: []rule.Action{rule.SetFact("beats", true)},
	}
	_, err = e.RegisterRule(onTimer)
	require.NoError(t, err)

	emitWait(t, e, "start", nil)
	_, ok := e.GetTimer("heartbeat")
	require.True(t, ok)

	for want := 1; want <= 3; want++ {
		clock.BlockUntil(1)
		clock.Advance(100 * time.Millisecond)
		require.Eventually(t, func() bool {
			return len(e.Events().ByTopic("heartbeat.tick")) == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		f, ok := e.GetFact("beats")
		return ok && f.Version == 3
	}, 2*time.Second, 5*time.Millisecond)

	_, ok = e.GetTimer("heartbeat")
	assert.False(t, ok, "exhausted repeating timer must be gone")
	assert.Equal(t, uint64(3), e.Stats().TimersFired)
}

func TestEngine_CascadeDepthBoundsSelfAmplifyingRules(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxCascadeDepth: 10})

	_, err := e.RegisterRule(eventRule("loop", "loop", rule.EmitEvent("loop", nil)))
	require.NoError(t, err)

	emitWait(t, e, "loop", nil)

	stats := e.Stats()
	assert.Equal(t, uint64(10), stats.RulesFired)
	assert.Equal(t, uint64(1), stats.CascadesAborted)

	failures := e.Audit().ByType(audit.TypeRuleFailed)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Summary, "cascade")
}

func TestEngine_DebounceCollapsesToTrailingEdge(t *testing.T) {
	e, clock := newTestEngine(t, Config{})

	r := eventRule("smooth", "sensor.temp", rule.SetFact("last", rule.NewRef("event.data.v")))
	r.DebounceMs = 50
	_, err := e.RegisterRule(r)
	require.NoError(t, err)

	for _, v := range []int{1, 2, 3} {
		emitWait(t, e, "sensor.temp", map[string]any{"v": v})
	}
	_, ok := e.GetFact("last")
	assert.False(t, ok, "debounced rule must not fire before the window closes")

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		f, ok := e.GetFact("last")
		return ok && rule.Equal(f.Value, 3)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), e.Stats().RulesFired, "only the trailing trigger fires")
}

func TestEngine_FactTriggerReactsToExternalWrites(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	r := &rule.Rule{
		ID:      "watch-carts",
		Name:    "watch-carts",
		Enabled: true,
		Trigger: rule.OnFact("cart:*", rule.FactUpdated),
		Actions: []rule.Action{rule.EmitEvent("cart.changed", map[string]any{
			"key": rule.NewRef("event.data.key"),
		})},
	}
	_, err := e.RegisterRule(r)
	require.NoError(t, err)

	_, err = e.SetFact("cart:u1", 1)
	require.NoError(t, err)
	_, err = e.SetFact("cart:u1", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.Events().ByTopic("cart.changed")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	ev := e.Events().ByTopic("cart.changed")[0]
	assert.Equal(t, "cart:u1", ev.Data["key"])
}

func TestEngine_RuleChainingCarriesCorrelation(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.RegisterRule(eventRule("first", "a", rule.EmitEvent("b", nil)))
	require.NoError(t, err)
	_, err = e.RegisterRule(eventRule("second", "b", rule.SetFact("done", true)))
	require.NoError(t, err)

	trigger := emitWait(t, e, "a", nil)

	_, ok := e.GetFact("done")
	require.True(t, ok, "EmitWait must cover the whole cascade")

	chained := e.Events().ByCorrelation(trigger.CorrelationID)
	assert.Len(t, chained, 2)
}

func TestEngine_OnErrorFailDiscardsFiringEffects(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	err := e.Services().Register("broken", service.Func{
		"call": func(context.Context, []any) (any, error) {
			return nil, rule.NewInvalidArgument("boom")
		},
	})
	require.NoError(t, err)

	r := eventRule("fragile", "go",
		rule.SetFact("partial", true),
		rule.Action{
			Kind:    rule.ActionCallService,
			Service: "broken",
			Method:  "call",
			OnError: rule.OnErrorFail,
		},
		rule.SetFact("after", true),
	)
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	emitWait(t, e, "go", nil)

	_, ok := e.GetFact("partial")
	assert.False(t, ok, "aborted firing must not commit earlier writes")
	_, ok = e.GetFact("after")
	assert.False(t, ok)

	assert.Equal(t, uint64(1), e.Stats().RulesFailed)
	require.Len(t, e.Audit().ByType(audit.TypeRuleFailed), 1)
	require.Len(t, e.Audit().ByType(audit.TypeActionFailed), 1)
}

func TestEngine_OnErrorContinueRunsRemainingActions(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	err := e.Services().Register("broken", service.Func{
		"call": func(context.Context, []any) (any, error) {
			return nil, rule.NewInvalidArgument("boom")
		},
	})
	require.NoError(t, err)

	r := eventRule("sturdy", "go",
		rule.Action{Kind: rule.ActionCallService, Service: "broken", Method: "call"},
		rule.SetFact("after", true),
	)
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	emitWait(t, e, "go", nil)

	_, ok := e.GetFact("after")
	assert.True(t, ok, "continue policy keeps the firing going")
	assert.Equal(t, uint64(1), e.Stats().RulesFired)
	assert.Equal(t, uint64(1), e.Stats().ActionsFailed)
}

func TestEngine_LookupsFeedConditionsAndActions(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	err := e.Services().Register("crm", service.Func{
		"profile": func(_ context.Context, args []any) (any, error) {
			return map[string]any{"tier": "gold", "userId": args[0]}, nil
		},
	})
	require.NoError(t, err)

	r := eventRule("reward", "purchase",
		rule.SetFact("reward:${event.data.userId}", rule.NewRef("lookup.profile.tier")))
	r.Lookups = []rule.Lookup{{
		Name:    "profile",
		Service: "crm",
		Method:  "profile",
		Args:    []any{rule.NewRef("event.data.userId")},
	}}
	r.Conditions = []rule.Condition{{
		Source:   rule.ConditionSource{Kind: rule.SourceLookup, Name: "profile", Field: "tier"},
		Operator: rule.OpEq,
		Value:    "gold",
	}}
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	emitWait(t, e, "purchase", map[string]any{"userId": "u7"})

	f, ok := e.GetFact("reward:u7")
	require.True(t, ok)
	assert.Equal(t, "gold", f.Value)
}

func TestEngine_SubscribeFiltersByTopicPattern(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	got := make(chan rule.Event, 8)
	cancel, err := e.Subscribe("order.*", func(ev rule.Event) { got <- ev })
	require.NoError(t, err)
	defer cancel()

	emitWait(t, e, "order.created", nil)
	emitWait(t, e, "inventory.low", nil)

	select {
	case ev := <-got:
		assert.Equal(t, "order.created", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive matching event")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_DefinitionsSurviveRestart(t *testing.T) {
	clock := clockwork.NewFakeClock()
	adapter := storage.NewMemory(clock)
	cfg := Config{Persistence: &PersistenceConfig{Adapter: adapter, Key: "defs"}}

	e1, err := New(cfg, WithClock(clock), WithIDs(ident.NewSequenceGenerator("a")))
	require.NoError(t, err)
	require.NoError(t, e1.Start(context.Background()))

	_, err = e1.CreateGroup(&rule.Group{ID: "g", Name: "g", Enabled: true})
	require.NoError(t, err)
	r := eventRule("persisted", "topic.a", rule.SetFact("seen", true))
	r.Group = "g"
	_, err = e1.RegisterRule(r)
	require.NoError(t, err)
	e1.Stop()

	e2, err := New(cfg, WithClock(clock), WithIDs(ident.NewSequenceGenerator("b")))
	require.NoError(t, err)
	require.NoError(t, e2.Start(context.Background()))
	t.Cleanup(e2.Stop)

	restored, ok := e2.GetRule("persisted")
	require.True(t, ok)
	assert.Equal(t, "g", restored.Group)
	_, ok = e2.GetGroup("g")
	assert.True(t, ok)
}

func TestEngine_ReplaceRulesSwapsAtomically(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.RegisterRule(eventRule("old", "a", rule.SetFact("old", true)))
	require.NoError(t, err)

	err = e.ReplaceRules([]*rule.Rule{
		eventRule("new", "a", rule.SetFact("new", true)),
	})
	require.NoError(t, err)

	_, ok := e.GetRule("old")
	assert.False(t, ok)
	emitWait(t, e, "a", nil)
	_, ok = e.GetFact("new")
	assert.True(t, ok)
	_, ok = e.GetFact("old")
	assert.False(t, ok)
}

func TestEngine_EmitValidatesTopic(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.Emit("", nil)
	require.Error(t, err)
	assert.True(t, rule.IsInvalidArgument(err))

	_, err = e.Emit("order.*", nil)
	require.Error(t, err)
	assert.True(t, rule.IsInvalidArgument(err))
}

func TestEngine_EmitAfterStopFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e, err := New(Config{}, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	e.Stop()

	_, err = e.Emit("topic.a", nil)
	require.Error(t, err)
	assert.True(t, rule.IsStopped(err))
}

func TestEngine_RegisterRuleRejectsUnknownGroup(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	r := eventRule("orphan", "a", rule.SetFact("x", true))
	r.Group = "missing"
	_, err := e.RegisterRule(r)
	require.Error(t, err)
	assert.True(t, rule.IsValidation(err))
}

func TestEngine_DeleteGroupDetachesRules(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	_, err := e.CreateGroup(&rule.Group{ID: "g", Name: "g", Enabled: false})
	require.NoError(t, err)
	r := eventRule("member", "a", rule.SetFact("fired", true))
	r.Group = "g"
	_, err = e.RegisterRule(r)
	require.NoError(t, err)

	// Disabled group suppresses the rule; deleting the group detaches it.
	emitWait(t, e, "a", nil)
	_, ok := e.GetFact("fired")
	require.False(t, ok)

	require.NoError(t, e.DeleteGroup("g"))
	detached, _ := e.GetRule("member")
	assert.Empty(t, detached.Group)

	emitWait(t, e, "a", nil)
	_, ok = e.GetFact("fired")
	assert.True(t, ok)
}

func TestEngine_StatsSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, Config{Name: "stats-engine"})

	_, err := e.RegisterRule(eventRule("r", "a", rule.SetFact("x", 1)))
	require.NoError(t, err)
	emitWait(t, e, "a", nil)

	s := e.Stats()
	assert.Equal(t, "stats-engine", s.Name)
	assert.True(t, s.Running)
	assert.Equal(t, 1, s.Rules)
	assert.Equal(t, 1, s.Facts)
	assert.Equal(t, uint64(1), s.EventsDispatched)
	assert.Equal(t, uint64(1), s.RulesFired)
	assert.NotZero(t, s.AuditEntries)
}
