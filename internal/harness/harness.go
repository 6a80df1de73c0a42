package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/codec"
	"github.com/hamicek/noex-rules-sub008/internal/engine"
	"github.com/hamicek/noex-rules-sub008/internal/ident"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

const (
	// scenarioEpoch pins the fake clock; timestamps in a run never
	// depend on wall time.
	scenarioEpoch = int64(1_700_000_000_000)

	emitTimeout    = 5 * time.Second
	assertTimeout  = 2 * time.Second
	assertInterval = 5 * time.Millisecond
	settleInterval = 20 * time.Millisecond
)

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Errors lists the assertions that failed.
	Errors []string `json:"errors,omitempty"`

	// Facts, Events and Stats capture the final engine state. Facts
	// are sorted by key, events in emission order.
	Facts  []rule.Fact  `json:"facts,omitempty"`
	Events []rule.Event `json:"events,omitempty"`
	Stats  engine.Stats `json:"stats"`
}

// AddError records a failed check and marks the run as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Run loads the scenario's documents into a fresh engine, executes the
// steps and evaluates the assertions. The engine runs with a fake
// clock, sequential IDs and a single cascade worker, so repeated runs
// produce identical state.
func Run(s *Scenario) (*Result, error) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(scenarioEpoch))

	cfg := engine.Config{Name: s.Name, MaxConcurrency: 1}
	if s.Config != nil {
		cfg.MaxCascadeDepth = s.Config.MaxCascadeDepth
		cfg.DebounceMs = s.Config.DebounceMs
	}
	eng, err := engine.New(cfg,
		engine.WithClock(clock),
		engine.WithIDs(ident.NewSequenceGenerator("sc")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	if err := applyDocuments(eng, s.Documents); err != nil {
		return nil, err
	}

	res := &Result{Pass: true}
	for i, step := range s.Steps {
		if err := runStep(eng, clock, step, res); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	for _, a := range s.Assertions {
		check(eng, a, res)
	}
	settle(eng)

	res.Facts = eng.Facts().All()
	evs, err := eng.Events().ByTopicPattern("**")
	if err != nil {
		return nil, err
	}
	res.Events = evs
	res.Stats = eng.Stats()
	return res, nil
}

// applyDocuments decodes each rule document and registers its groups
// before its rules, so group membership resolves during registration.
func applyDocuments(eng *engine.Engine, paths []string) error {
	for _, path := range paths {
		doc, _, err := codec.DecodeFile(path, codec.Options{})
		if err != nil {
			return fmt.Errorf("load document %s: %w", path, err)
		}
		for i := range doc.Groups {
			if _, err := eng.CreateGroup(&doc.Groups[i]); err != nil {
				return fmt.Errorf("document %s: group %s: %w", path, doc.Groups[i].ID, err)
			}
		}
		for _, r := range doc.Rules {
			if _, err := eng.RegisterRule(r); err != nil {
				return fmt.Errorf("document %s: rule %s: %w", path, r.ID, err)
			}
		}
	}
	return nil
}

func runStep(eng *engine.Engine, clock *clockwork.FakeClock, step Step, res *Result) error {
	switch {
	case step.Emit != nil:
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		_, err := eng.EmitWait(ctx, step.Emit.Topic, step.Emit.Data)
		return err

	case step.SetFact != nil:
		_, err := eng.SetFact(step.SetFact.Key, step.SetFact.Value)
		return err

	case step.DeleteFact != "":
		eng.DeleteFact(step.DeleteFact)
		return nil

	case step.EnableGroup != "":
		return eng.EnableGroup(step.EnableGroup)

	case step.DisableGroup != "":
		return eng.DisableGroup(step.DisableGroup)

	case step.Advance != "":
		d, err := rule.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		// Wait for the scheduler to arm before moving the clock, the
		// same way the engine tests drive fake timers.
		if len(eng.Timers()) > 0 {
			clock.BlockUntil(1)
		}
		clock.Advance(d)
		return nil

	case step.Assert != nil:
		check(eng, *step.Assert, res)
		return nil
	}
	return fmt.Errorf("empty step")
}

// settle waits until the audit trail stops growing, so the snapshot
// taken afterwards does not race a cascade tail.
func settle(eng *engine.Engine) {
	deadline := time.Now().Add(assertTimeout)
	last := eng.Audit().Total()
	for time.Now().Before(deadline) {
		time.Sleep(settleInterval)
		cur := eng.Audit().Total()
		if cur == last {
			return
		}
		last = cur
	}
}
