package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/hamicek/noex-rules-sub008/internal/engine"
)

// Snapshot is the golden-file projection of a run: final facts keyed
// by name, event topics in emission order and the dispatch counters.
// Timestamps and IDs stay out so the files survive unrelated changes.
type Snapshot struct {
	Scenario string               `json:"scenario"`
	Facts    map[string]FactState `json:"facts,omitempty"`
	Events   []string             `json:"events,omitempty"`
	Stats    StatsSnapshot        `json:"stats"`
}

// FactState is one fact's golden representation.
type FactState struct {
	Value   any    `json:"value"`
	Version uint64 `json:"version"`
	Source  string `json:"source,omitempty"`
}

// StatsSnapshot carries the counters a scenario can influence.
type StatsSnapshot struct {
	EventsDispatched uint64 `json:"eventsDispatched"`
	RulesFired       uint64 `json:"rulesFired"`
	RulesSkipped     uint64 `json:"rulesSkipped"`
	TimersFired      uint64 `json:"timersFired"`
	CascadesAborted  uint64 `json:"cascadesAborted"`
}

func snapshotOf(name string, res *Result) Snapshot {
	snap := Snapshot{Scenario: name, Stats: statsOf(res.Stats)}
	if len(res.Facts) > 0 {
		snap.Facts = make(map[string]FactState, len(res.Facts))
		for _, f := range res.Facts {
			snap.Facts[f.Key] = FactState{Value: f.Value, Version: f.Version, Source: f.Source}
		}
	}
	for _, ev := range res.Events {
		snap.Events = append(snap.Events, ev.Topic)
	}
	return snap
}

func statsOf(s engine.Stats) StatsSnapshot {
	return StatsSnapshot{
		EventsDispatched: s.EventsDispatched,
		RulesFired:       s.RulesFired,
		RulesSkipped:     s.RulesSkipped,
		TimersFired:      s.TimersFired,
		CascadesAborted:  s.CascadesAborted,
	}
}

// RunWithGolden executes the scenario and compares its final-state
// snapshot against testdata/golden/{name}.golden. Regenerate with
// go test -update.
func RunWithGolden(t *testing.T, s *Scenario) (*Result, error) {
	t.Helper()

	res, err := Run(s)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(snapshotOf(s.Name, res), "", "  ")
	if err != nil {
		return nil, err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, append(data, '\n'))
	return res, nil
}
