package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/facts"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/sched"
	"github.com/hamicek/noex-rules-sub008/internal/temporal"
)

// work is one dispatch unit within a cascade: an event to fan out, a
// fact change to match against fact triggers, a completed temporal
// match, or a direct rule fire flushed from the debouncer.
type work struct {
	depth     int
	event     rule.Event
	change    *facts.Change
	match     *temporal.Match
	fromTimer string
	ruleID    string
}

// cascade is the unit handed to the worker pool: a FIFO of work items
// sharing one correlation id. Firings append derived work to the tail,
// so processing within a cascade is strictly ordered while distinct
// cascades run concurrently.
type cascade struct {
	correlationID string
	queue         []work
	next          int
	aborted       bool
	done          chan struct{}
}

func newCascade(corrID string, first work) *cascade {
	return &cascade{
		correlationID: corrID,
		queue:         []work{first},
		done:          make(chan struct{}),
	}
}

// enqueue hands a cascade to the worker pool, blocking while the
// ingress queue is full. It fails once the engine is stopping.
func (e *Engine) enqueue(cas *cascade) error {
	select {
	case <-e.quit:
		return rule.NewStopped("dispatch")
	default:
	}
	select {
	case e.tasks <- cas:
		return nil
	case <-e.quit:
		return rule.NewStopped("dispatch")
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case cas := <-e.tasks:
			e.runCascade(cas)
		case <-e.quit:
			// Drain what was accepted before shutdown began.
			for {
				select {
				case cas := <-e.tasks:
					e.runCascade(cas)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) runCascade(cas *cascade) {
	defer close(cas.done)
	for cas.next < len(cas.queue) && !cas.aborted {
		w := cas.queue[cas.next]
		cas.next++
		e.process(cas, w)
	}
}

func (e *Engine) process(cas *cascade, w work) {
	switch {
	case w.ruleID != "":
		// Debounce flush: fire exactly this rule.
		r, ok := e.rules.Get(w.ruleID)
		if !ok || !e.groups.RuleEnabled(r) {
			return
		}
		e.executeFiring(cas, r, w)

	case w.match != nil:
		r, ok := e.rules.Get(w.match.RuleID)
		if !ok {
			return
		}
		e.fire(cas, r, w)

	case w.change != nil:
		for _, r := range e.rules.ByFactKey(w.change.Fact.Key, w.change.Kind) {
			e.fire(cas, r, w)
		}

	default:
		e.processEvent(cas, w)
	}
}

func (e *Engine) processEvent(cas *cascade, w work) {
	ev := w.event
	if err := e.events.Store(ev); err != nil {
		e.log.Warn("event store rejected event", "topic", ev.Topic, "id", ev.ID, "error", err)
	}
	e.statEvents.Add(1)
	e.record(audit.Entry{
		Type:          audit.TypeEventEmitted,
		Summary:       "event " + ev.Topic,
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		Details:       map[string]any{"topic": ev.Topic, "eventId": ev.ID},
	})
	e.bus.Publish(ev)

	for _, m := range e.ingestTemporal(ev) {
		match := m
		cas.queue = append(cas.queue, work{depth: w.depth, match: &match})
	}

	matched := e.rules.ByEventTopic(ev.Topic)
	if w.fromTimer != "" {
		matched = append(matched, e.rules.ByTimerName(w.fromTimer)...)
		sortDispatch(matched)
	}
	for _, r := range matched {
		e.fire(cas, r, w)
	}
}

// fire routes one rule activation through the enabled check and the
// debouncer before executing it.
func (e *Engine) fire(cas *cascade, r *rule.Rule, w work) {
	if !e.groups.RuleEnabled(r) {
		e.statSkipped.Add(1)
		e.record(audit.Entry{
			Type:          audit.TypeRuleSkipped,
			Summary:       "rule skipped: disabled",
			RuleID:        r.ID,
			RuleName:      r.Name,
			CorrelationID: cas.correlationID,
			Details:       map[string]any{"reason": "disabled"},
		})
		return
	}
	window := r.DebounceMs
	if window == 0 {
		window = e.cfg.DebounceMs
	}
	if window > 0 {
		e.debounce.trigger(r.ID, time.Duration(window)*time.Millisecond, w, cas.correlationID)
		return
	}
	e.executeFiring(cas, r, w)
}

// executeFiring runs one rule firing end to end. The per-rule mutex
// spans snapshot, evaluation, execution and commit, so concurrent
// activations of the same rule serialize and each sees the previous
// firing's writes.
func (e *Engine) executeFiring(cas *cascade, r *rule.Rule, w work) {
	lock := e.lockFor(r.ID)
	lock.Lock()
	defer lock.Unlock()

	// State may have moved while we waited on the lock.
	cur, ok := e.rules.Get(r.ID)
	if !ok {
		return
	}
	if !e.groups.RuleEnabled(cur) {
		e.statSkipped.Add(1)
		e.record(audit.Entry{
			Type:          audit.TypeRuleSkipped,
			Summary:       "rule skipped: disabled",
			RuleID:        cur.ID,
			RuleName:      cur.Name,
			CorrelationID: cas.correlationID,
			Details:       map[string]any{"reason": "disabled"},
		})
		return
	}

	start := e.clock.Now()
	ec := e.buildContext(cur, w, cas.correlationID)
	e.statTriggered.Add(1)
	e.record(audit.Entry{
		Type:          audit.TypeRuleTriggered,
		Summary:       "rule triggered",
		RuleID:        cur.ID,
		RuleName:      cur.Name,
		CorrelationID: cas.correlationID,
		Details:       map[string]any{"trigger": string(ec.Kind)},
	})

	e.runLookups(cur, ec)

	for i, c := range cur.Conditions {
		pass, err := e.eval.Evaluate(e.runCtx, c, ec)
		e.record(audit.Entry{
			Type:          audit.TypeConditionEvaluated,
			Summary:       fmt.Sprintf("condition %d: %v", i, pass),
			RuleID:        cur.ID,
			RuleName:      cur.Name,
			CorrelationID: cas.correlationID,
			Details:       condDetails(i, c, pass, err),
		})
		if err != nil {
			e.log.Warn("condition evaluation failed", "rule", cur.ID, "index", i, "error", err)
		}
		if err != nil || !pass {
			e.statSkipped.Add(1)
			e.record(audit.Entry{
				Type:          audit.TypeRuleSkipped,
				Summary:       "rule skipped: conditions not met",
				RuleID:        cur.ID,
				RuleName:      cur.Name,
				CorrelationID: cas.correlationID,
				Details:       map[string]any{"reason": "conditions_not_met", "condition": i},
			})
			return
		}
	}

	fr := &firing{rule: cur, ec: ec}
	fr.observe = func(index int, a *rule.Action, took time.Duration, err error) {
		e.observeAction(cur, cas.correlationID, index, a, took, err)
	}
	if err := e.exec.run(e.runCtx, fr, cur.Actions); err != nil {
		// Abort discards the firing's buffered effects: nothing commits.
		e.statFailed.Add(1)
		e.record(audit.Entry{
			Type:          audit.TypeRuleFailed,
			Summary:       "rule failed: " + err.Error(),
			RuleID:        cur.ID,
			RuleName:      cur.Name,
			CorrelationID: cas.correlationID,
			Details:       map[string]any{"error": err.Error()},
		})
		return
	}

	e.commitFiring(cas, cur, ec, fr, w)

	now := e.clock.Now()
	e.rules.RecordFired(cur.ID, now.UnixMilli())
	e.statFired.Add(1)
	e.record(audit.Entry{
		Type:          audit.TypeRuleExecuted,
		Summary:       "rule executed",
		RuleID:        cur.ID,
		RuleName:      cur.Name,
		CorrelationID: cas.correlationID,
		DurationMs:    float64(now.Sub(start)) / float64(time.Millisecond),
	})
}

// commitFiring applies the firing's buffered effects in order: fact
// store first, then timers, then derived events onto the cascade tail.
func (e *Engine) commitFiring(cas *cascade, r *rule.Rule, ec *Context, fr *firing, w work) {
	for _, ch := range ec.Facts.Commit() {
		e.recordFactChange(ch, "rule:"+r.ID, cas.correlationID)
		change := ch
		cas.queue = append(cas.queue, work{depth: w.depth + 1, change: &change})
	}

	for _, op := range fr.timerOps {
		if op.cancel {
			if e.sched.Cancel(e.runCtx, op.name) {
				e.record(audit.Entry{
					Type:          audit.TypeTimerCancelled,
					Summary:       "timer cancelled: " + op.name,
					RuleID:        r.ID,
					CorrelationID: cas.correlationID,
					Details:       map[string]any{"timer": op.name},
				})
			}
			continue
		}
		t, err := e.sched.Schedule(e.runCtx, op.spec, cas.correlationID, ec.Event.ID, capturedVars(ec))
		if err != nil {
			e.log.Warn("timer schedule failed", "rule", r.ID, "timer", op.spec.Name, "error", err)
			continue
		}
		e.record(audit.Entry{
			Type:          audit.TypeTimerScheduled,
			Summary:       "timer scheduled: " + t.Name,
			RuleID:        r.ID,
			CorrelationID: cas.correlationID,
			Details:       map[string]any{"timer": t.Name, "expiresAt": t.ExpiresAt},
		})
	}

	for _, ev := range fr.emits {
		depth := w.depth + 1
		if depth > e.cfg.MaxCascadeDepth {
			cas.aborted = true
			e.statAborted.Add(1)
			err := rule.NewCascadeDepthExceeded(cas.correlationID, depth, e.cfg.MaxCascadeDepth)
			e.record(audit.Entry{
				Type:          audit.TypeRuleFailed,
				Summary:       "cascade aborted: " + err.Error(),
				RuleID:        r.ID,
				RuleName:      r.Name,
				CorrelationID: cas.correlationID,
				Details:       map[string]any{"error": err.Error(), "depth": depth},
			})
			e.log.Error("cascade depth exceeded",
				"rule", r.ID, "correlationId", cas.correlationID, "depth", depth)
			return
		}
		child := rule.Event{
			ID:            e.ids.Generate(),
			Topic:         ev.Topic,
			Data:          ev.Data,
			Timestamp:     e.clock.Now().UnixMilli(),
			Source:        "rule:" + r.ID,
			CorrelationID: cas.correlationID,
			CausationID:   ec.Event.ID,
		}
		cas.queue = append(cas.queue, work{depth: depth, event: child})
	}
}

// buildContext normalizes the trigger into an evaluation context backed
// by a fresh fact snapshot.
func (e *Engine) buildContext(r *rule.Rule, w work, corrID string) *Context {
	ec := &Context{
		Facts:   e.facts.Snapshot(),
		Vars:    make(map[string]any),
		Lookups: make(map[string]any),
		Now:     e.clock.Now().UnixMilli(),
	}
	switch {
	case w.match != nil:
		ec.Kind = rule.TriggerTemporal
		ec.Matches = w.match.Events
		last := w.match.Events[len(w.match.Events)-1]
		ec.Event = rule.Event{
			Topic:         "temporal.match",
			Data:          matchData(w.match),
			Timestamp:     ec.Now,
			CorrelationID: corrOf(last.CorrelationID, corrID),
			CausationID:   last.ID,
		}
	case w.change != nil:
		ec.Kind = rule.TriggerFact
		ec.Change = w.change
		ec.Event = rule.Event{
			Topic: "fact." + string(w.change.Kind),
			Data: map[string]any{
				"key":    w.change.Fact.Key,
				"value":  w.change.Fact.Value,
				"change": string(w.change.Kind),
			},
			Timestamp:     ec.Now,
			CorrelationID: corrID,
		}
	default:
		ec.Kind = r.Trigger.Kind
		ec.Event = w.event
	}
	return ec
}

func matchData(m *temporal.Match) map[string]any {
	matches := make([]any, len(m.Events))
	for i, ev := range m.Events {
		matches[i] = eventToMap(ev)
	}
	data := map[string]any{
		"ruleId":  m.RuleID,
		"count":   len(m.Events),
		"matches": matches,
	}
	if m.GroupKey != "" {
		data["groupKey"] = m.GroupKey
	}
	return data
}

func corrOf(corr, fallback string) string {
	if corr != "" {
		return corr
	}
	return fallback
}

// runLookups precomputes the rule's service lookups. A failing lookup
// stays undefined; conditions referencing it resolve accordingly.
func (e *Engine) runLookups(r *rule.Rule, ec *Context) {
	for _, lk := range r.Lookups {
		args := make([]any, len(lk.Args))
		for i, a := range lk.Args {
			args[i] = materialize(a, ec)
		}
		result, err := e.services.Invoke(e.runCtx, lk.Service, lk.Method, args)
		if err != nil {
			e.log.Warn("lookup failed",
				"rule", r.ID, "lookup", lk.Name, "service", lk.Service, "error", err)
			continue
		}
		ec.Lookups[lk.Name] = result
	}
}

func (e *Engine) observeAction(r *rule.Rule, corrID string, index int, a *rule.Action, took time.Duration, err error) {
	if err == nil {
		e.record(audit.Entry{
			Type:          audit.TypeActionCompleted,
			Summary:       fmt.Sprintf("action %d %s completed", index, a.Kind),
			RuleID:        r.ID,
			RuleName:      r.Name,
			CorrelationID: corrID,
			Details:       map[string]any{"action": string(a.Kind), "index": index},
			DurationMs:    float64(took) / float64(time.Millisecond),
		})
		return
	}
	e.statActionFailed.Add(1)
	e.record(audit.Entry{
		Type:          audit.TypeActionFailed,
		Summary:       fmt.Sprintf("action %d %s failed: %v", index, a.Kind, err),
		RuleID:        r.ID,
		RuleName:      r.Name,
		CorrelationID: corrID,
		Details: map[string]any{
			"action": string(a.Kind), "index": index,
			"error": err.Error(), "onError": string(onErrorOf(a)),
		},
		DurationMs: float64(took) / float64(time.Millisecond),
	})
}

func onErrorOf(a *rule.Action) rule.OnErrorPolicy {
	if a.OnError == "" {
		return rule.OnErrorContinue
	}
	return a.OnError
}

func condDetails(index int, c rule.Condition, pass bool, err error) map[string]any {
	d := map[string]any{
		"index":    index,
		"kind":     string(c.Source.Kind),
		"operator": string(c.Operator),
		"result":   pass,
	}
	if err != nil {
		d["error"] = err.Error()
	}
	return d
}

// recordFactChange audits one fact mutation.
func (e *Engine) recordFactChange(ch facts.Change, source, corrID string) {
	var typ audit.Type
	switch ch.Kind {
	case rule.FactCreated:
		typ = audit.TypeFactCreated
	case rule.FactUpdated:
		typ = audit.TypeFactUpdated
	case rule.FactDeleted:
		typ = audit.TypeFactDeleted
	}
	e.record(audit.Entry{
		Type:          typ,
		Summary:       "fact " + string(ch.Kind) + ": " + ch.Fact.Key,
		Source:        source,
		CorrelationID: corrID,
		Details:       map[string]any{"key": ch.Fact.Key, "version": ch.Fact.Version},
	})
}

// onTimerFire receives expired timers from the scheduler's dispatcher
// goroutine. The expiry event starts a cascade carrying the timer's
// name so timer-triggered rules activate alongside topic matches.
func (e *Engine) onTimerFire(t sched.Timer) {
	e.statTimerFired.Add(1)
	corr := t.CorrelationID
	if corr == "" {
		corr = e.ids.Generate()
	}
	ev := rule.Event{
		ID:            e.ids.Generate(),
		Topic:         t.OnExpire.Topic,
		Data:          t.OnExpire.Data,
		Timestamp:     e.clock.Now().UnixMilli(),
		Source:        "timer:" + t.Name,
		CorrelationID: corr,
		CausationID:   t.CausationID,
	}
	e.record(audit.Entry{
		Type:          audit.TypeTimerFired,
		Summary:       "timer fired: " + t.Name,
		CorrelationID: corr,
		Details:       map[string]any{"timer": t.Name, "count": t.Count, "topic": ev.Topic},
	})
	cas := newCascade(corr, work{depth: 1, event: ev, fromTimer: t.Name})

	// Must not block the scheduler's dispatch loop.
	select {
	case e.tasks <- cas:
	default:
		go func() {
			if err := e.enqueue(cas); err != nil {
				e.log.Warn("timer cascade dropped during shutdown", "timer", t.Name)
			}
		}()
	}
}

// onTemporalMatch receives matches from the matcher. Matches delivered
// during an Ingest call are collected into the calling cascade; absence
// matches arrive from the deadline timer and start their own cascade.
func (e *Engine) onTemporalMatch(m temporal.Match) {
	e.matchMu.Lock()
	if e.collecting {
		e.pendingMatches = append(e.pendingMatches, m)
		e.matchMu.Unlock()
		return
	}
	e.matchMu.Unlock()

	corr := ""
	if len(m.Events) > 0 {
		corr = m.Events[len(m.Events)-1].CorrelationID
	}
	if corr == "" {
		corr = e.ids.Generate()
	}
	match := m
	if err := e.enqueue(newCascade(corr, work{depth: 1, match: &match})); err != nil {
		e.log.Warn("temporal match dropped during shutdown", "rule", m.RuleID)
	}
}

// ingestTemporal feeds one event through the matcher, returning the
// matches it completed. Ingestion is serialized so matches land in the
// cascade that caused them.
func (e *Engine) ingestTemporal(ev rule.Event) []temporal.Match {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	e.matchMu.Lock()
	e.collecting = true
	e.pendingMatches = nil
	e.matchMu.Unlock()

	e.temporal.Ingest(ev)

	e.matchMu.Lock()
	out := e.pendingMatches
	e.pendingMatches = nil
	e.collecting = false
	e.matchMu.Unlock()
	return out
}

func capturedVars(ec *Context) map[string]any {
	if len(ec.Vars) == 0 {
		return nil
	}
	out := make(map[string]any, len(ec.Vars))
	for k, v := range ec.Vars {
		out[k] = v
	}
	return out
}

// validTopic rejects empty and wildcard-bearing topics on emit.
func validTopic(topic string) error {
	if topic == "" {
		return rule.NewInvalidArgument("event topic is required")
	}
	if strings.Contains(topic, "*") {
		return rule.NewInvalidArgument("event topic %q must be literal", topic)
	}
	return nil
}
