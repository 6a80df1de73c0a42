package engine

import (
	"context"
	"encoding/json"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// definitionSet is the persisted shape of the engine's registered
// definitions: one record holding every rule and group.
type definitionSet struct {
	Rules  []*rule.Rule `json:"rules"`
	Groups []rule.Group `json:"groups"`
}

// persistDefinitions saves the full definition set. Persistence is
// best-effort: failures are audited and the engine keeps running in
// memory.
func (e *Engine) persistDefinitions() {
	if e.cfg.Persistence == nil {
		return
	}
	set := definitionSet{Rules: e.rules.All(), Groups: e.groups.All()}
	payload, err := json.Marshal(set)
	if err != nil {
		e.log.Error("definition encode failed", "error", err)
		return
	}
	ctx := e.ctx()
	key := e.cfg.Persistence.Key
	err = e.cfg.Retry.Do(ctx, "save", key, func() error {
		return e.cfg.Persistence.Adapter.Save(ctx, key, payload)
	})
	if err != nil {
		e.log.Warn("definition persistence failed, continuing in memory", "key", key, "error", err)
		e.record(audit.Entry{
			Type:    audit.TypeStorageError,
			Summary: "definition persistence: " + err.Error(),
			Details: map[string]any{"key": key, "error": err.Error()},
		})
	}
}

// loadDefinitions restores the persisted definition set on Start. A
// missing record is a fresh start, not an error.
func (e *Engine) loadDefinitions(ctx context.Context) error {
	if e.cfg.Persistence == nil {
		return nil
	}
	key := e.cfg.Persistence.Key
	rec, ok, err := e.cfg.Persistence.Adapter.Load(ctx, key)
	if err != nil {
		return rule.NewStorageError("load", key, err)
	}
	if !ok {
		return nil
	}
	var set definitionSet
	if err := json.Unmarshal(rec.State, &set); err != nil {
		return rule.NewStorageError("decode", key, err)
	}
	if err := e.groups.Replace(set.Groups); err != nil {
		return err
	}
	if err := e.rules.Replace(set.Rules); err != nil {
		return err
	}
	for _, r := range e.rules.Temporal() {
		if err := e.temporal.Register(r.ID, *r.Trigger.Temporal); err != nil {
			return err
		}
	}
	e.log.Info("definitions restored", "rules", len(set.Rules), "groups", len(set.Groups))
	return nil
}
