package rule

import (
	"fmt"
	"regexp"

	"github.com/hamicek/noex-rules-sub008/internal/pattern"
)

// Severity classifies a validation issue. Rules with error issues are
// rejected; warnings are reported but do not block registration.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Field is a path into the rule document,
// e.g. "actions[1].then[0].topic".
type Issue struct {
	Field    string   `json:"field" yaml:"field"`
	Message  string   `json:"message" yaml:"message"`
	Severity Severity `json:"severity" yaml:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Field, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

type issueList struct {
	issues []Issue
}

func (l *issueList) errorf(field, format string, args ...any) {
	l.issues = append(l.issues, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityError})
}

func (l *issueList) warnf(field, format string, args ...any) {
	l.issues = append(l.issues, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
}

// ValidateRule checks a rule's shape: trigger, conditions and actions,
// recursively through conditional and for_each bodies. It does not consult
// engine state, so group existence and ID collisions are checked at
// registration instead.
func ValidateRule(r *Rule) []Issue {
	var l issueList
	if r == nil {
		l.errorf("", "rule is nil")
		return l.issues
	}
	if r.Name == "" {
		l.errorf("name", "name is required")
	}
	if r.DebounceMs < 0 {
		l.errorf("debounceMs", "must not be negative")
	}
	validateTrigger(&l, "trigger", r.Trigger)
	for i := range r.Conditions {
		validateCondition(&l, fmt.Sprintf("conditions[%d]", i), &r.Conditions[i])
	}
	if len(r.Actions) == 0 {
		l.errorf("actions", "at least one action is required")
	}
	validateActions(&l, "actions", r.Actions, 0)
	for i, lk := range r.Lookups {
		field := fmt.Sprintf("lookups[%d]", i)
		if lk.Name == "" {
			l.errorf(field+".name", "name is required")
		}
		if lk.Service == "" {
			l.errorf(field+".service", "service is required")
		}
		if lk.Method == "" {
			l.errorf(field+".method", "method is required")
		}
	}
	return l.issues
}

// ValidateGroup checks a group's shape.
func ValidateGroup(g *Group) []Issue {
	var l issueList
	if g == nil {
		l.errorf("", "group is nil")
		return l.issues
	}
	if g.Name == "" {
		l.errorf("name", "name is required")
	}
	return l.issues
}

// ValidateTimerSpec checks a programmatic timer spec.
func ValidateTimerSpec(spec *TimerSpec) []Issue {
	var l issueList
	if spec == nil {
		l.errorf("", "timer is nil")
		return l.issues
	}
	validateTimerFields(&l, "", spec.Name, spec.Duration, spec.OnExpire.Topic, spec.Repeat)
	return l.issues
}

func validateTrigger(l *issueList, field string, t Trigger) {
	switch t.Kind {
	case TriggerEvent:
		if t.Topic == "" {
			l.errorf(field+".topic", "topic is required for event triggers")
		} else if err := pattern.Validate(t.Topic, pattern.TopicSep); err != nil {
			l.errorf(field+".topic", "%v", err)
		}
	case TriggerFact:
		if t.Pattern == "" {
			l.errorf(field+".pattern", "pattern is required for fact triggers")
		} else if err := pattern.Validate(t.Pattern, pattern.KeySep); err != nil {
			l.errorf(field+".pattern", "%v", err)
		}
		for i, c := range t.Changes {
			switch c {
			case FactCreated, FactUpdated, FactDeleted:
			default:
				l.errorf(fmt.Sprintf("%s.changes[%d]", field, i), "unknown change kind %q", c)
			}
		}
	case TriggerTimer:
		if t.Name == "" {
			l.errorf(field+".name", "name is required for timer triggers")
		}
	case TriggerTemporal:
		if t.Temporal == nil {
			l.errorf(field+".temporal", "temporal pattern is required")
			return
		}
		validateTemporal(l, field+".temporal", t.Temporal)
	case "":
		l.errorf(field+".kind", "trigger kind is required")
	default:
		l.errorf(field+".kind", "unknown trigger kind %q", t.Kind)
	}
}

func validateCondition(l *issueList, field string, c *Condition) {
	switch c.Source.Kind {
	case SourceFact:
		if c.Source.Pattern == "" {
			l.errorf(field+".source.pattern", "pattern is required for fact sources")
		} else if !HasInterpolation(c.Source.Pattern) {
			if err := pattern.Validate(c.Source.Pattern, pattern.KeySep); err != nil {
				l.errorf(field+".source.pattern", "%v", err)
			}
		}
	case SourceEvent:
		if c.Source.Field == "" {
			l.errorf(field+".source.field", "field is required for event sources")
		}
	case SourceContext:
		if c.Source.Key == "" {
			l.errorf(field+".source.key", "key is required for context sources")
		}
	case SourceLookup:
		if c.Source.Name == "" {
			l.errorf(field+".source.name", "name is required for lookup sources")
		}
	case SourceBaseline:
		if c.Source.Metric == "" {
			l.errorf(field+".source.metric", "metric is required for baseline sources")
		}
		if c.Source.Sensitivity < 0 {
			l.errorf(field+".source.sensitivity", "must not be negative")
		}
		switch c.Source.Comparison {
		case "", "above", "below", "both":
		default:
			l.errorf(field+".source.comparison", "unknown comparison %q", c.Source.Comparison)
		}
		if c.Operator != OpEq && c.Operator != "" {
			l.warnf(field+".operator", "baseline sources resolve to the verdict itself; use eq true")
		}
	case "":
		l.errorf(field+".source.kind", "source kind is required")
	default:
		l.errorf(field+".source.kind", "unknown source kind %q", c.Source.Kind)
	}

	if !KnownOperator(c.Operator) {
		l.errorf(field+".operator", "unknown operator %q", c.Operator)
		return
	}
	switch c.Operator {
	case OpMatches:
		src, ok := c.Value.(string)
		if !ok {
			l.errorf(field+".value", "matches needs a string regex")
		} else if _, err := regexp.Compile(src); err != nil {
			l.errorf(field+".value", "invalid regex: %v", err)
		}
	case OpIn, OpNotIn:
		if _, isRef := AsRef(c.Value); !isRef {
			if _, ok := c.Value.([]any); !ok {
				l.warnf(field+".value", "%s expects an array value", c.Operator)
			}
		}
	case OpExists, OpNotExists:
		if c.Value != nil {
			l.warnf(field+".value", "%s ignores value", c.Operator)
		}
	}
}

const maxActionNesting = 8

func validateActions(l *issueList, field string, actions []Action, depth int) {
	if depth > maxActionNesting {
		l.errorf(field, "actions nested deeper than %d levels", maxActionNesting)
		return
	}
	for i := range actions {
		validateAction(l, fmt.Sprintf("%s[%d]", field, i), &actions[i], depth)
	}
}

func validateAction(l *issueList, field string, a *Action, depth int) {
	switch a.OnError {
	case "", OnErrorContinue, OnErrorFail:
	default:
		l.errorf(field+".onError", "unknown policy %q", a.OnError)
	}

	switch a.Kind {
	case ActionEmitEvent:
		if a.Topic == "" {
			l.errorf(field+".topic", "topic is required")
		} else if !HasInterpolation(a.Topic) {
			if err := pattern.Validate(a.Topic, pattern.TopicSep); err != nil {
				l.errorf(field+".topic", "%v", err)
			}
		}
	case ActionSetFact:
		if a.Key == "" {
			l.errorf(field+".key", "key is required")
		}
	case ActionDeleteFact:
		if a.Key == "" {
			l.errorf(field+".key", "key is required")
		}
	case ActionSetTimer:
		topic := ""
		if a.OnExpire != nil {
			topic = a.OnExpire.Topic
		}
		validateTimerFields(l, field, a.Name, a.Duration, topic, a.Repeat)
	case ActionCancelTimer:
		if a.Name == "" {
			l.errorf(field+".name", "name is required")
		}
	case ActionCallService:
		if a.Service == "" {
			l.errorf(field+".service", "service is required")
		}
		if a.Method == "" {
			l.errorf(field+".method", "method is required")
		}
	case ActionLog:
		if a.Message == "" {
			l.errorf(field+".message", "message is required")
		}
		switch a.Level {
		case "", "debug", "info", "warn", "error":
		default:
			l.errorf(field+".level", "unknown level %q", a.Level)
		}
	case ActionConditional:
		if len(a.Conditions) == 0 {
			l.errorf(field+".conditions", "conditional needs at least one condition")
		}
		for i := range a.Conditions {
			validateCondition(l, fmt.Sprintf("%s.conditions[%d]", field, i), &a.Conditions[i])
		}
		if len(a.Then) == 0 && len(a.Else) == 0 {
			l.errorf(field, "conditional needs a then or else branch")
		}
		validateActions(l, field+".then", a.Then, depth+1)
		validateActions(l, field+".else", a.Else, depth+1)
	case ActionForEach:
		if a.Items == nil {
			l.errorf(field+".items", "items is required")
		}
		if len(a.Body) == 0 {
			l.errorf(field+".body", "for_each needs a body")
		}
		validateActions(l, field+".body", a.Body, depth+1)
	case "":
		l.errorf(field+".kind", "action kind is required")
	default:
		l.errorf(field+".kind", "unknown action kind %q", a.Kind)
	}
}

func validateTimerFields(l *issueList, field, name, duration, onExpireTopic string, repeat *RepeatSpec) {
	prefix := func(s string) string {
		if field == "" {
			return s
		}
		return field + "." + s
	}
	if name == "" {
		l.errorf(prefix("name"), "name is required")
	}
	if duration == "" {
		l.errorf(prefix("duration"), "duration is required")
	} else if !HasInterpolation(duration) {
		if d, err := ParseDuration(duration); err != nil {
			l.errorf(prefix("duration"), "%v", err)
		} else if d <= 0 {
			l.errorf(prefix("duration"), "duration must be positive")
		}
	}
	if onExpireTopic == "" {
		l.errorf(prefix("onExpire.topic"), "topic is required")
	}
	if repeat != nil {
		if repeat.Interval == "" {
			l.errorf(prefix("repeat.interval"), "interval is required")
		} else if !HasInterpolation(repeat.Interval) {
			if d, err := ParseDuration(repeat.Interval); err != nil {
				l.errorf(prefix("repeat.interval"), "%v", err)
			} else if d <= 0 {
				l.errorf(prefix("repeat.interval"), "interval must be positive")
			}
		}
		if repeat.MaxCount < 0 {
			l.errorf(prefix("repeat.maxCount"), "must not be negative")
		}
	}
}

func validateTemporal(l *issueList, field string, p *TemporalPattern) {
	window := func(name, v string) {
		if v == "" {
			l.errorf(field+"."+name, "%s is required", name)
			return
		}
		if _, err := ParseDuration(v); err != nil {
			l.errorf(field+"."+name, "%v", err)
		}
	}
	matcher := func(name string, m *EventMatcher) {
		if m == nil {
			l.errorf(field+"."+name, "%s is required", name)
			return
		}
		if m.Topic == "" {
			l.errorf(field+"."+name+".topic", "topic is required")
		} else if err := pattern.Validate(m.Topic, pattern.TopicSep); err != nil {
			l.errorf(field+"."+name+".topic", "%v", err)
		}
	}
	comparison := func() {
		switch p.Comparison {
		case "", CmpGte, CmpLte, CmpEq:
		default:
			l.errorf(field+".comparison", "unknown comparison %q", p.Comparison)
		}
	}

	switch p.Kind {
	case TemporalSequence:
		if len(p.Events) < 2 {
			l.errorf(field+".events", "sequence needs at least two events")
		}
		for i := range p.Events {
			m := p.Events[i]
			matcher(fmt.Sprintf("events[%d]", i), &m)
		}
		window("within", p.Within)
	case TemporalAbsence:
		matcher("after", p.After)
		matcher("expected", p.Expected)
		window("within", p.Within)
	case TemporalCount:
		matcher("event", p.Event)
		if p.Threshold < 1 || p.Threshold != float64(int64(p.Threshold)) {
			l.errorf(field+".threshold", "threshold must be a positive integer")
		}
		comparison()
		window("window", p.Window)
	case TemporalAggregate:
		matcher("event", p.Event)
		switch p.Function {
		case AggSum, AggAvg, AggMin, AggMax:
			if p.Field == "" {
				l.errorf(field+".field", "field is required for %s", p.Function)
			}
		case AggCount:
		case "":
			l.errorf(field+".function", "function is required")
		default:
			l.errorf(field+".function", "unknown function %q", p.Function)
		}
		comparison()
		window("window", p.Window)
	case "":
		l.errorf(field+".kind", "temporal kind is required")
	default:
		l.errorf(field+".kind", "unknown temporal kind %q", p.Kind)
	}
}
