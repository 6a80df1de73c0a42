package engine

import "sync/atomic"

// counters holds the engine's monotonic dispatch counters.
type counters struct {
	statEvents       atomic.Uint64
	statTriggered    atomic.Uint64
	statFired        atomic.Uint64
	statSkipped      atomic.Uint64
	statFailed       atomic.Uint64
	statActionFailed atomic.Uint64
	statAborted      atomic.Uint64
	statTimerFired   atomic.Uint64
}

// Stats is a point-in-time snapshot of engine state and activity.
type Stats struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`

	Rules  int `json:"rules"`
	Groups int `json:"groups"`
	Facts  int `json:"facts"`
	Events int `json:"events"`
	Timers int `json:"timers"`

	EventsDispatched uint64 `json:"eventsDispatched"`
	RulesTriggered   uint64 `json:"rulesTriggered"`
	RulesFired       uint64 `json:"rulesFired"`
	RulesSkipped     uint64 `json:"rulesSkipped"`
	RulesFailed      uint64 `json:"rulesFailed"`
	ActionsFailed    uint64 `json:"actionsFailed"`
	CascadesAborted  uint64 `json:"cascadesAborted"`
	TimersFired      uint64 `json:"timersFired"`

	DebouncesPending int    `json:"debouncesPending"`
	AuditEntries     uint64 `json:"auditEntries"`
	TraceDropped     uint64 `json:"traceDropped"`
}

// Stats snapshots current counts and sizes.
func (e *Engine) Stats() Stats {
	e.stateMu.Lock()
	running := e.started && !e.stopped
	e.stateMu.Unlock()

	return Stats{
		Name:    e.cfg.Name,
		Running: running,

		Rules:  e.rules.Len(),
		Groups: e.groups.Len(),
		Facts:  e.facts.Len(),
		Events: e.events.Size(),
		Timers: e.sched.Len(),

		EventsDispatched: e.statEvents.Load(),
		RulesTriggered:   e.statTriggered.Load(),
		RulesFired:       e.statFired.Load(),
		RulesSkipped:     e.statSkipped.Load(),
		RulesFailed:      e.statFailed.Load(),
		ActionsFailed:    e.statActionFailed.Load(),
		CascadesAborted:  e.statAborted.Load(),
		TimersFired:      e.statTimerFired.Load(),

		DebouncesPending: e.debounce.len(),
		AuditEntries:     e.recorder.Log().Total(),
		TraceDropped:     e.recorder.Trace().Dropped(),
	}
}
