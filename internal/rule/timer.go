package rule

// EventTemplate is the event a timer emits on expiry. Data may carry Ref
// values and ${...} tokens resolved against the context captured when the
// timer was scheduled.
type EventTemplate struct {
	Topic string         `json:"topic" yaml:"topic"`
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// RepeatSpec makes a timer re-arm after each expiry. Interval uses the
// engine's duration grammar; MaxCount zero means repeat forever.
type RepeatSpec struct {
	Interval string `json:"interval" yaml:"interval"`
	MaxCount int    `json:"maxCount,omitempty" yaml:"maxCount,omitempty"`
}

// TimerSpec names a timer and describes when it fires and what it emits.
// Scheduling a spec whose Name is already pending replaces the pending
// timer.
type TimerSpec struct {
	Name     string        `json:"name" yaml:"name"`
	Duration string        `json:"duration" yaml:"duration"`
	OnExpire EventTemplate `json:"onExpire" yaml:"onExpire"`
	Repeat   *RepeatSpec   `json:"repeat,omitempty" yaml:"repeat,omitempty"`
}
