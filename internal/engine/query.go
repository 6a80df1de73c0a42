package engine

import (
	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/query"
)

// Prove runs a backward-chaining query against a consistent snapshot of
// the fact store and the current rule set.
func (e *Engine) Prove(goal query.Goal) (*query.Proof, error) {
	e.record(audit.Entry{
		Type:    audit.TypeQueryStarted,
		Summary: "query started",
		Details: map[string]any{"pattern": goal.Pattern},
	})
	prover := query.New(e.facts.Snapshot(), e.rules.All())
	proof, err := prover.Prove(goal)
	entry := audit.Entry{
		Type:    audit.TypeQueryCompleted,
		Summary: "query completed",
		Details: map[string]any{"pattern": goal.Pattern},
	}
	if err != nil {
		entry.Details["error"] = err.Error()
	} else {
		entry.Details["satisfied"] = proof.Satisfied
	}
	e.record(entry)
	return proof, err
}
