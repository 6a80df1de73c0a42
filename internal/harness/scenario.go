package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Scenario drives one end-to-end engine run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Config overrides engine limits for this run.
	Config *Config `yaml:"config,omitempty"`

	// Documents lists rule documents to load before the steps run.
	// Paths are resolved relative to the scenario file.
	Documents []string `yaml:"documents"`

	// Steps are executed in order against the running engine.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Config carries the engine limits a scenario may override.
type Config struct {
	MaxCascadeDepth int   `yaml:"maxCascadeDepth,omitempty"`
	DebounceMs      int64 `yaml:"debounceMs,omitempty"`
}

// Step is one scenario action. Exactly one directive must be set.
type Step struct {
	// Emit publishes an event and waits for its cascade to finish.
	Emit *EmitStep `yaml:"emit,omitempty"`

	// SetFact writes a fact from outside the engine.
	SetFact *FactStep `yaml:"setFact,omitempty"`

	// DeleteFact removes a fact by key.
	DeleteFact string `yaml:"deleteFact,omitempty"`

	// EnableGroup and DisableGroup toggle a rule group.
	EnableGroup  string `yaml:"enableGroup,omitempty"`
	DisableGroup string `yaml:"disableGroup,omitempty"`

	// Advance moves the scenario clock forward, firing due timers.
	// The value is an engine duration such as "30s" or "5m".
	Advance string `yaml:"advance,omitempty"`

	// Assert checks a condition mid-flow.
	Assert *Assertion `yaml:"assert,omitempty"`
}

// EmitStep publishes one external event.
type EmitStep struct {
	Topic string         `yaml:"topic"`
	Data  map[string]any `yaml:"data,omitempty"`
}

// FactStep writes one fact.
type FactStep struct {
	Key   string `yaml:"key"`
	Value any    `yaml:"value"`
}

// Assertion checks one aspect of engine state. Checks are retried for a
// short window, so assertions placed after asynchronous work (timer
// fires, debounce flushes) settle instead of racing.
type Assertion struct {
	// Type selects the check: fact_equals, fact_absent, event_count,
	// audit_count, timer_exists or timer_absent.
	Type string `yaml:"type"`

	// Key and Value serve the fact checks.
	Key   string `yaml:"key,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Topic is the event topic pattern for event_count.
	Topic string `yaml:"topic,omitempty"`

	// Audit is the audit entry type for audit_count.
	Audit string `yaml:"audit,omitempty"`

	// Timer is the timer name for timer_exists and timer_absent.
	Timer string `yaml:"timer,omitempty"`

	// Count is the expected number of matches for the count checks.
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertFactEquals  = "fact_equals"
	AssertFactAbsent  = "fact_absent"
	AssertEventCount  = "event_count"
	AssertAuditCount  = "audit_count"
	AssertTimerExists = "timer_exists"
	AssertTimerAbsent = "timer_absent"
)

// LoadScenario reads and validates a scenario file. Document paths are
// resolved relative to the scenario's directory. Unknown YAML fields
// are rejected so typos surface as load errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i, doc := range s.Documents {
		if !filepath.IsAbs(doc) {
			s.Documents[i] = filepath.Join(base, doc)
		}
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Documents) == 0 {
		return fmt.Errorf("documents list must not be empty")
	}
	for _, doc := range s.Documents {
		if _, err := os.Stat(doc); err != nil {
			return fmt.Errorf("document not found: %s", doc)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list must not be empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list must not be empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(&a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step *Step) error {
	n := 0
	if step.Emit != nil {
		n++
		if step.Emit.Topic == "" {
			return fmt.Errorf("emit: topic is required")
		}
	}
	if step.SetFact != nil {
		n++
		if step.SetFact.Key == "" {
			return fmt.Errorf("setFact: key is required")
		}
	}
	if step.DeleteFact != "" {
		n++
	}
	if step.EnableGroup != "" {
		n++
	}
	if step.DisableGroup != "" {
		n++
	}
	if step.Advance != "" {
		n++
		if _, err := rule.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	if step.Assert != nil {
		n++
		if err := validateAssertion(step.Assert); err != nil {
			return fmt.Errorf("assert: %w", err)
		}
	}
	if n != 1 {
		return fmt.Errorf("want exactly one directive per step, got %d", n)
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertFactEquals, AssertFactAbsent:
		if a.Key == "" {
			return fmt.Errorf("%s: key is required", a.Type)
		}
	case AssertEventCount:
		if a.Topic == "" {
			return fmt.Errorf("event_count: topic is required")
		}
		if a.Count < 0 {
			return fmt.Errorf("event_count: count must be >= 0")
		}
	case AssertAuditCount:
		if a.Audit == "" {
			return fmt.Errorf("audit_count: audit is required")
		}
		if a.Count < 0 {
			return fmt.Errorf("audit_count: count must be >= 0")
		}
	case AssertTimerExists, AssertTimerAbsent:
		if a.Timer == "" {
			return fmt.Errorf("%s: timer is required", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
