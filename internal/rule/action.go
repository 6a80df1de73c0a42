package rule

// ActionKind discriminates the action variants a rule can execute.
type ActionKind string

const (
	// ActionEmitEvent emits a derived event on Topic with Data.
	ActionEmitEvent ActionKind = "emit_event"
	// ActionSetFact writes a fact at Key.
	ActionSetFact ActionKind = "set_fact"
	// ActionDeleteFact removes the fact at Key.
	ActionDeleteFact ActionKind = "delete_fact"
	// ActionSetTimer schedules the named timer, replacing a pending one.
	ActionSetTimer ActionKind = "set_timer"
	// ActionCancelTimer cancels the named timer.
	ActionCancelTimer ActionKind = "cancel_timer"
	// ActionCallService invokes a registered service method.
	ActionCallService ActionKind = "call_service"
	// ActionLog writes a structured log line through the engine logger.
	ActionLog ActionKind = "log"
	// ActionConditional evaluates Conditions and runs Then or Else.
	ActionConditional ActionKind = "conditional"
	// ActionForEach resolves Items to a list and runs Body once per item.
	ActionForEach ActionKind = "for_each"
)

// OnErrorPolicy controls what happens to the remainder of a rule's actions
// when this action fails.
type OnErrorPolicy string

const (
	// OnErrorContinue records the failure and runs the next action.
	// This is the default.
	OnErrorContinue OnErrorPolicy = "continue"
	// OnErrorFail aborts the firing; subsequent actions do not run.
	OnErrorFail OnErrorPolicy = "fail"
)

// Action is a tagged variant: Kind selects which fields are meaningful.
// Any string field may carry ${...} interpolation tokens, and any value
// field may be a Ref; both are resolved against the evaluation context at
// execution time.
type Action struct {
	Kind ActionKind `json:"kind" yaml:"kind"`

	// emit_event
	Topic string         `json:"topic,omitempty" yaml:"topic,omitempty"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	// set_fact / delete_fact
	Key   string `json:"key,omitempty" yaml:"key,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`

	// set_timer / cancel_timer. Name identifies the timer for both.
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Duration string         `json:"duration,omitempty" yaml:"duration,omitempty"`
	OnExpire *EventTemplate `json:"onExpire,omitempty" yaml:"onExpire,omitempty"`
	Repeat   *RepeatSpec    `json:"repeat,omitempty" yaml:"repeat,omitempty"`

	// call_service
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	Method  string `json:"method,omitempty" yaml:"method,omitempty"`
	Args    []any  `json:"args,omitempty" yaml:"args,omitempty"`
	// ResultKey stores the call result as a context variable for later
	// actions.
	ResultKey string `json:"resultKey,omitempty" yaml:"resultKey,omitempty"`

	// log
	Level   string `json:"level,omitempty" yaml:"level,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// conditional
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Then       []Action    `json:"then,omitempty" yaml:"then,omitempty"`
	Else       []Action    `json:"else,omitempty" yaml:"else,omitempty"`

	// for_each. As names the loop variable; empty means "item".
	Items any      `json:"items,omitempty" yaml:"items,omitempty"`
	As    string   `json:"as,omitempty" yaml:"as,omitempty"`
	Body  []Action `json:"body,omitempty" yaml:"body,omitempty"`

	// OnError selects continue (default) or fail semantics for failures
	// of this action.
	OnError OnErrorPolicy `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// Timer assembles the TimerSpec a set_timer action schedules.
func (a *Action) Timer() TimerSpec {
	spec := TimerSpec{Name: a.Name, Duration: a.Duration, Repeat: a.Repeat}
	if a.OnExpire != nil {
		spec.OnExpire = *a.OnExpire
	}
	return spec
}

// EmitEvent returns an emit_event action.
func EmitEvent(topic string, data map[string]any) Action {
	return Action{Kind: ActionEmitEvent, Topic: topic, Data: data}
}

// SetFact returns a set_fact action.
func SetFact(key string, value any) Action {
	return Action{Kind: ActionSetFact, Key: key, Value: value}
}

// DeleteFact returns a delete_fact action.
func DeleteFact(key string) Action {
	return Action{Kind: ActionDeleteFact, Key: key}
}

// SetTimer returns a set_timer action from a timer spec.
func SetTimer(spec TimerSpec) Action {
	a := Action{Kind: ActionSetTimer, Name: spec.Name, Duration: spec.Duration, Repeat: spec.Repeat}
	onExpire := spec.OnExpire
	a.OnExpire = &onExpire
	return a
}

// CancelTimer returns a cancel_timer action.
func CancelTimer(name string) Action {
	return Action{Kind: ActionCancelTimer, Name: name}
}

// CallService returns a call_service action.
func CallService(service, method string, args ...any) Action {
	return Action{Kind: ActionCallService, Service: service, Method: method, Args: args}
}

// Log returns a log action at the given level.
func Log(level, message string) Action {
	return Action{Kind: ActionLog, Level: level, Message: message}
}
