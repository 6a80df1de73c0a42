package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/events"
	"github.com/hamicek/noex-rules-sub008/internal/facts"
	"github.com/hamicek/noex-rules-sub008/internal/fanout"
	"github.com/hamicek/noex-rules-sub008/internal/ident"
	"github.com/hamicek/noex-rules-sub008/internal/pattern"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/sched"
	"github.com/hamicek/noex-rules-sub008/internal/service"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
	"github.com/hamicek/noex-rules-sub008/internal/temporal"
)

// Engine is the embeddable rule engine. Construct with New, then Start
// before emitting; all methods are safe for concurrent use.
type Engine struct {
	cfg Config

	clock    clockwork.Clock
	ids      ident.Generator
	log      *slog.Logger
	services *service.Registry
	baseline service.BaselineStore

	facts    *facts.Store
	events   *events.Store
	rules    *Rules
	groups   *Groups
	sched    *sched.Scheduler
	temporal *temporal.Matcher
	recorder *audit.Recorder
	eval     *evaluator
	exec     *executor
	debounce *debouncer

	bus *fanout.Bus[rule.Event]

	tasks chan *cascade
	quit  chan struct{}
	wg    sync.WaitGroup

	stateMu sync.Mutex
	started bool
	stopped bool
	runCtx  context.Context
	cancel  context.CancelFunc

	ruleLocks sync.Map // rule id -> *sync.Mutex

	ingestMu       sync.Mutex
	matchMu        sync.Mutex
	collecting     bool
	pendingMatches []temporal.Match

	counters
}

// New assembles an engine from cfg and options. The engine is inert
// until Start.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		tasks: make(chan *cascade, cfg.QueueSize),
		quit:  make(chan struct{}),
		bus:   fanout.NewBus[rule.Event](),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.ids == nil {
		e.ids = ident.UUIDv7Generator{}
	}
	if e.log == nil {
		e.log = slog.Default().With("engine", cfg.Name)
	}
	if e.services == nil {
		e.services = service.NewRegistry()
	}

	e.facts = facts.NewStore(e.clock)
	e.events = events.NewStore(e.clock, events.Config{MaxEvents: cfg.MaxEvents, MaxAge: cfg.MaxEventAge})
	e.rules = newRules(e.clock)
	e.groups = newGroups(e.clock)

	if e.recorder == nil {
		trace := audit.NewTraceBus(cfg.Tracing.MaxEntries)
		if cfg.Tracing.Enabled {
			trace.Enable()
		}
		log := audit.NewLog(audit.LogConfig{
			MaxMemoryEntries: cfg.Audit.MaxMemoryEntries,
			Adapter:          cfg.Audit.Adapter,
			Retention:        cfg.Audit.Retention,
			BatchSize:        cfg.Audit.BatchSize,
			FlushInterval:    cfg.Audit.FlushInterval,
			Clock:            e.clock,
			Logger:           e.log,
		})
		e.recorder = audit.NewRecorder(e.clock, e.ids, log, trace)
	}

	var timerStore storage.Adapter
	if cfg.TimerPersistence != nil {
		timerStore = cfg.TimerPersistence.Adapter
	}
	scheduler, err := sched.New(sched.Config{
		Clock:       e.clock,
		OnFire:      e.onTimerFire,
		Persistence: timerStore,
		Retry:       cfg.Retry,
		Logger:      e.log,
		OnStorageError: func(err error) {
			e.record(audit.Entry{
				Type:    audit.TypeStorageError,
				Summary: "timer persistence: " + err.Error(),
				Details: map[string]any{"error": err.Error()},
			})
		},
	})
	if err != nil {
		return nil, err
	}
	e.sched = scheduler

	matcher, err := temporal.NewMatcher(temporal.Config{
		Clock:   e.clock,
		OnMatch: e.onTemporalMatch,
		Logger:  e.log,
	})
	if err != nil {
		return nil, err
	}
	e.temporal = matcher

	e.eval = &evaluator{baseline: e.baseline}
	e.exec = &executor{
		eval:     e.eval,
		services: e.services,
		log:      e.log,
		timeout:  cfg.ActionTimeout,
	}
	e.debounce = newDebouncer(e.clock, e.fireDebounced)

	e.cfg.Retry.Clock = e.clock
	e.cfg.Retry.CheckAndSetDefaults()
	return e, nil
}

// Start loads persisted definitions, launches the workers and arms the
// timer scheduler. Starting a started engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.started {
		e.stateMu.Unlock()
		return nil
	}
	if e.stopped {
		e.stateMu.Unlock()
		return rule.NewStopped("start")
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.stateMu.Unlock()

	e.recorder.Log().Start(e.runCtx)

	if err := e.loadDefinitions(ctx); err != nil {
		return err
	}
	if err := e.sched.Start(e.runCtx); err != nil {
		return err
	}

	for i := 0; i < e.cfg.MaxConcurrency; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.record(audit.Entry{
		Type:    audit.TypeEngineStarted,
		Summary: "engine started",
		Details: map[string]any{"name": e.cfg.Name, "workers": e.cfg.MaxConcurrency},
	})
	e.log.Info("engine started",
		"rules", e.rules.Len(), "groups", e.groups.Len(), "workers", e.cfg.MaxConcurrency)
	return nil
}

// Stop rejects new work, drains in-flight cascades up to the shutdown
// timeout, and shuts the timer scheduler and audit pipeline down.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if !e.started || e.stopped {
		e.stateMu.Unlock()
		return
	}
	e.stopped = true
	e.stateMu.Unlock()

	e.debounce.stop()
	e.sched.Stop()
	close(e.quit)

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(e.cfg.ShutdownTimeout):
		e.log.Warn("shutdown timeout, abandoning in-flight cascades")
	}
	e.cancel()

	e.record(audit.Entry{
		Type:    audit.TypeEngineStopped,
		Summary: "engine stopped",
		Details: map[string]any{"name": e.cfg.Name},
	})
	e.recorder.Log().Stop()
	e.bus.Close()
	e.facts.Close()
	e.log.Info("engine stopped")
}

// Emit dispatches an event from an external producer. The returned
// event carries the assigned id and correlation id; the cascade runs
// asynchronously.
func (e *Engine) Emit(topic string, data map[string]any) (rule.Event, error) {
	ev, _, err := e.submit(topic, data, "")
	return ev, err
}

// EmitWait is Emit plus waiting until the event's whole cascade has
// been processed, bounded by ctx.
func (e *Engine) EmitWait(ctx context.Context, topic string, data map[string]any) (rule.Event, error) {
	ev, cas, err := e.submit(topic, data, "")
	if err != nil {
		return ev, err
	}
	select {
	case <-cas.done:
		return ev, nil
	case <-ctx.Done():
		return ev, ctx.Err()
	}
}

// EmitCorrelated dispatches an event under an existing correlation id,
// for producers continuing an external workflow.
func (e *Engine) EmitCorrelated(topic string, data map[string]any, corrID string) (rule.Event, error) {
	ev, _, err := e.submit(topic, data, corrID)
	return ev, err
}

func (e *Engine) submit(topic string, data map[string]any, corrID string) (rule.Event, *cascade, error) {
	if err := validTopic(topic); err != nil {
		return rule.Event{}, nil, err
	}
	if corrID == "" {
		corrID = e.ids.Generate()
	}
	ev := rule.Event{
		ID:            e.ids.Generate(),
		Topic:         topic,
		Data:          data,
		Timestamp:     e.clock.Now().UnixMilli(),
		Source:        "external",
		CorrelationID: corrID,
	}
	cas := newCascade(corrID, work{depth: 1, event: ev})
	if err := e.enqueue(cas); err != nil {
		return rule.Event{}, nil, err
	}
	return ev, cas, nil
}

// fireDebounced runs a debounced activation as its own cascade,
// continuing the correlation of the trigger that armed the window.
func (e *Engine) fireDebounced(ruleID string, w work, corrID string) {
	w.ruleID = ruleID
	if err := e.enqueue(newCascade(corrID, w)); err != nil {
		e.log.Warn("debounced fire dropped during shutdown", "rule", ruleID)
	}
}

// SetFact writes a fact on behalf of an external producer and
// dispatches matching fact triggers.
func (e *Engine) SetFact(key string, value any) (rule.Fact, error) {
	prev, existed := e.facts.Get(key)
	f, err := e.facts.Set(key, value, "external")
	if err != nil {
		return rule.Fact{}, err
	}
	kind := rule.FactCreated
	if existed && prev.Version > 0 {
		kind = rule.FactUpdated
	}
	e.dispatchFactChange(facts.Change{Fact: f, Kind: kind})
	return f, nil
}

// DeleteFact removes a fact and dispatches deletion triggers. Deleting
// an absent key reports false.
func (e *Engine) DeleteFact(key string) bool {
	f, ok := e.facts.Get(key)
	if !ok {
		return false
	}
	if !e.facts.Delete(key) {
		return false
	}
	e.dispatchFactChange(facts.Change{Fact: f, Kind: rule.FactDeleted})
	return true
}

func (e *Engine) dispatchFactChange(ch facts.Change) {
	corrID := e.ids.Generate()
	e.recordFactChange(ch, "external", corrID)
	change := ch
	if err := e.enqueue(newCascade(corrID, work{depth: 1, change: &change})); err != nil {
		e.log.Warn("fact change dropped during shutdown", "key", ch.Fact.Key)
	}
}

// GetFact reads one fact.
func (e *Engine) GetFact(key string) (rule.Fact, bool) { return e.facts.Get(key) }

// QueryFacts returns facts whose keys match the pattern.
func (e *Engine) QueryFacts(pattern string) ([]rule.Fact, error) { return e.facts.Query(pattern) }

// RegisterRule validates and registers r, arming its temporal pattern
// when it has one.
func (e *Engine) RegisterRule(r *rule.Rule) (*rule.Rule, error) {
	if r != nil && r.ID == "" {
		cp := r.Clone()
		cp.ID = e.ids.Generate()
		r = cp
	}
	if r != nil && r.Group != "" && !e.groups.Has(r.Group) {
		return nil, rule.NewValidationError([]rule.Issue{{
			Field:    "group",
			Message:  "group " + r.Group + " does not exist",
			Severity: rule.SeverityError,
		}})
	}
	registered, err := e.rules.Register(r)
	if err != nil {
		return nil, err
	}
	if registered.Trigger.Kind == rule.TriggerTemporal {
		if err := e.temporal.Register(registered.ID, *registered.Trigger.Temporal); err != nil {
			_, _ = e.rules.Unregister(registered.ID)
			return nil, err
		}
	}
	e.record(audit.Entry{
		Type:     audit.TypeRuleRegistered,
		Summary:  "rule registered",
		RuleID:   registered.ID,
		RuleName: registered.Name,
		Details:  map[string]any{"trigger": string(registered.Trigger.Kind), "priority": registered.Priority},
	})
	e.persistDefinitions()
	return registered, nil
}

// UnregisterRule removes the rule, its temporal state and any pending
// debounce window.
func (e *Engine) UnregisterRule(id string) error {
	r, err := e.rules.Unregister(id)
	if err != nil {
		return err
	}
	if r.Trigger.Kind == rule.TriggerTemporal {
		e.temporal.Unregister(id)
	}
	e.debounce.cancel(id)
	e.ruleLocks.Delete(id)
	e.record(audit.Entry{
		Type:     audit.TypeRuleUnregistered,
		Summary:  "rule unregistered",
		RuleID:   id,
		RuleName: r.Name,
	})
	e.persistDefinitions()
	return nil
}

// UpdateRule replaces a rule's definition in place, bumping its
// version.
func (e *Engine) UpdateRule(id string, upd *rule.Rule) (*rule.Rule, error) {
	if upd != nil && upd.Group != "" && !e.groups.Has(upd.Group) {
		return nil, rule.NewValidationError([]rule.Issue{{
			Field:    "group",
			Message:  "group " + upd.Group + " does not exist",
			Severity: rule.SeverityError,
		}})
	}
	prev, ok := e.rules.Get(id)
	if !ok {
		return nil, rule.NewNotFound("rule", id)
	}
	updated, err := e.rules.Update(id, upd)
	if err != nil {
		return nil, err
	}
	if prev.Trigger.Kind == rule.TriggerTemporal {
		e.temporal.Unregister(id)
	}
	if updated.Trigger.Kind == rule.TriggerTemporal {
		if err := e.temporal.Register(id, *updated.Trigger.Temporal); err != nil {
			return nil, err
		}
	}
	e.record(audit.Entry{
		Type:     audit.TypeRuleUpdated,
		Summary:  "rule updated",
		RuleID:   id,
		RuleName: updated.Name,
		Details:  map[string]any{"version": updated.Version},
	})
	e.persistDefinitions()
	return updated, nil
}

// EnableRule enables the rule's own flag.
func (e *Engine) EnableRule(id string) error { return e.setRuleEnabled(id, true) }

// DisableRule disables the rule regardless of its group.
func (e *Engine) DisableRule(id string) error { return e.setRuleEnabled(id, false) }

func (e *Engine) setRuleEnabled(id string, enabled bool) error {
	changed, err := e.rules.SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	typ := audit.TypeRuleEnabled
	summary := "rule enabled"
	if !enabled {
		typ = audit.TypeRuleDisabled
		summary = "rule disabled"
	}
	e.record(audit.Entry{Type: typ, Summary: summary, RuleID: id})
	e.persistDefinitions()
	return nil
}

// GetRule returns a copy of the registered rule.
func (e *Engine) GetRule(id string) (*rule.Rule, bool) { return e.rules.Get(id) }

// Rules returns copies of all registered rules, sorted by id.
func (e *Engine) Rules() []*rule.Rule { return e.rules.All() }

// ReplaceRules atomically swaps the whole rule set, re-arming temporal
// patterns. Firing statistics of surviving rule ids carry over.
func (e *Engine) ReplaceRules(list []*rule.Rule) error {
	for _, r := range list {
		if r != nil && r.Group != "" && !e.groups.Has(r.Group) {
			return rule.NewValidationError([]rule.Issue{{
				Field:    "group",
				Message:  "group " + r.Group + " does not exist",
				Severity: rule.SeverityError,
			}})
		}
	}
	oldTemporal := e.rules.Temporal()
	if err := e.rules.Replace(list); err != nil {
		return err
	}
	for _, r := range oldTemporal {
		e.temporal.Unregister(r.ID)
	}
	for _, r := range e.rules.Temporal() {
		if err := e.temporal.Register(r.ID, *r.Trigger.Temporal); err != nil {
			return err
		}
	}
	e.record(audit.Entry{
		Type:    audit.TypeRulesReloaded,
		Summary: "rules reloaded",
		Details: map[string]any{"rules": len(list)},
	})
	e.persistDefinitions()
	return nil
}

// CreateGroup registers a group. An empty id gets a generated one.
func (e *Engine) CreateGroup(g *rule.Group) (*rule.Group, error) {
	if g != nil && g.ID == "" {
		cp := *g
		cp.ID = e.ids.Generate()
		g = &cp
	}
	created, err := e.groups.Create(g)
	if err != nil {
		return nil, err
	}
	e.record(audit.Entry{
		Type:    audit.TypeGroupCreated,
		Summary: "group created: " + created.ID,
		Details: map[string]any{"group": created.ID, "enabled": created.Enabled},
	})
	e.persistDefinitions()
	return created, nil
}

// UpdateGroup replaces a group's definition.
func (e *Engine) UpdateGroup(id string, upd *rule.Group) (*rule.Group, error) {
	updated, err := e.groups.Update(id, upd)
	if err != nil {
		return nil, err
	}
	e.record(audit.Entry{
		Type:    audit.TypeGroupUpdated,
		Summary: "group updated: " + id,
		Details: map[string]any{"group": id},
	})
	e.persistDefinitions()
	return updated, nil
}

// DeleteGroup removes the group and detaches its rules, which keep
// running under their own flags.
func (e *Engine) DeleteGroup(id string) error {
	if _, err := e.groups.Delete(id); err != nil {
		return err
	}
	detached := e.rules.ClearGroup(id)
	e.record(audit.Entry{
		Type:    audit.TypeGroupDeleted,
		Summary: "group deleted: " + id,
		Details: map[string]any{"group": id, "detachedRules": len(detached)},
	})
	e.persistDefinitions()
	return nil
}

// EnableGroup enables the group and with it every member rule that is
// itself enabled.
func (e *Engine) EnableGroup(id string) error { return e.setGroupEnabled(id, true) }

// DisableGroup disables every rule in the group regardless of the
// rules' own flags.
func (e *Engine) DisableGroup(id string) error { return e.setGroupEnabled(id, false) }

func (e *Engine) setGroupEnabled(id string, enabled bool) error {
	changed, err := e.groups.SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	typ := audit.TypeGroupEnabled
	summary := "group enabled: " + id
	if !enabled {
		typ = audit.TypeGroupDisabled
		summary = "group disabled: " + id
	}
	e.record(audit.Entry{Type: typ, Summary: summary, Details: map[string]any{"group": id}})
	e.persistDefinitions()
	return nil
}

// GetGroup returns a copy of the group.
func (e *Engine) GetGroup(id string) (rule.Group, bool) { return e.groups.Get(id) }

// Groups returns copies of all groups, sorted by id.
func (e *Engine) Groups() []rule.Group { return e.groups.All() }

// SetTimer arms a standalone timer outside any rule firing.
func (e *Engine) SetTimer(spec rule.TimerSpec) (sched.Timer, error) {
	if issues := rule.ValidateTimerSpec(&spec); rule.HasErrors(issues) {
		return sched.Timer{}, rule.NewValidationError(issues)
	}
	t, err := e.sched.Schedule(e.ctx(), spec, "", "", nil)
	if err != nil {
		return sched.Timer{}, err
	}
	e.record(audit.Entry{
		Type:    audit.TypeTimerScheduled,
		Summary: "timer scheduled: " + t.Name,
		Details: map[string]any{"timer": t.Name, "expiresAt": t.ExpiresAt},
	})
	return t, nil
}

// CancelTimer disarms the named timer.
func (e *Engine) CancelTimer(name string) bool {
	ok := e.sched.Cancel(e.ctx(), name)
	if ok {
		e.record(audit.Entry{
			Type:    audit.TypeTimerCancelled,
			Summary: "timer cancelled: " + name,
			Details: map[string]any{"timer": name},
		})
	}
	return ok
}

// GetTimer returns the named pending timer.
func (e *Engine) GetTimer(name string) (sched.Timer, bool) { return e.sched.Get(name) }

// Timers returns all pending timers ordered by expiry.
func (e *Engine) Timers() []sched.Timer { return e.sched.List() }

// Subscribe delivers every dispatched event whose topic matches the
// pattern to fn on a dedicated goroutine, until cancel is called. Slow
// subscribers lose oldest events rather than stalling dispatch.
func (e *Engine) Subscribe(topicPattern string, fn func(rule.Event)) (cancel func(), err error) {
	p, err := pattern.Compile(topicPattern, pattern.TopicSep)
	if err != nil {
		return nil, rule.NewInvalidArgument("subscribe pattern: %v", err)
	}
	sub := e.bus.Subscribe(fanout.DefaultBuffer)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if p.Match(ev.Topic) {
					fn(ev)
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Close()
			close(done)
		})
	}, nil
}

// Services exposes the registry backing call_service actions and
// lookups.
func (e *Engine) Services() *service.Registry { return e.services }

// Audit exposes the audit log.
func (e *Engine) Audit() *audit.Log { return e.recorder.Log() }

// Trace exposes the trace bus.
func (e *Engine) Trace() *audit.TraceBus { return e.recorder.Trace() }

// Facts exposes the fact store for read-side embedding.
func (e *Engine) Facts() *facts.Store { return e.facts }

// Events exposes the event store for read-side embedding.
func (e *Engine) Events() *events.Store { return e.events }

func (e *Engine) record(entry audit.Entry) { e.recorder.Record(entry) }

func (e *Engine) lockFor(ruleID string) *sync.Mutex {
	if mu, ok := e.ruleLocks.Load(ruleID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := e.ruleLocks.LoadOrStore(ruleID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ctx returns the run context, falling back to Background before Start.
func (e *Engine) ctx() context.Context {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}
