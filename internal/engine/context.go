package engine

import (
	"strconv"
	"strings"

	"github.com/hamicek/noex-rules-sub008/internal/facts"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

// Context is the evaluation context of a single rule firing. It carries
// the normalized trigger, the fact snapshot the firing reads and writes,
// precomputed lookup results and the variables accumulated by actions.
//
// A Context lives on one goroutine for the duration of the firing.
type Context struct {
	// Kind is the trigger variant that fired the rule.
	Kind rule.TriggerKind

	// Event is the trigger event. Fact and temporal triggers get a
	// synthetic one so that event-rooted references resolve uniformly.
	Event rule.Event

	// Change is set for fact triggers.
	Change *facts.Change

	// Matches holds the completing events of a temporal trigger.
	Matches []rule.Event

	// Facts is the firing's snapshot view of the fact store.
	Facts *facts.Snapshot

	// Vars holds action results keyed by resultKey, plus for_each
	// iteration bindings.
	Vars map[string]any

	// Lookups holds precomputed lookup results by name.
	Lookups map[string]any

	// Now is the firing start time in Unix milliseconds.
	Now int64

	eventMap map[string]any
}

// Resolve resolves a rooted reference path such as "event.data.amount",
// "fact.user:42:name", "var.total", "context.total" or
// "lookup.profile.tier". The second return reports whether the path
// resolved to a defined value.
func (c *Context) Resolve(path string) (any, bool) {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "event":
		return c.EventField(rest)
	case "fact", "facts":
		return c.factPath(rest)
	case "var", "context":
		return dig(c.Vars, rest)
	case "lookup":
		return dig(c.Lookups, rest)
	}
	return nil, false
}

// EventField resolves a dotted path against the trigger event. The path
// is tried event-rooted first ("data.amount", "topic"), then against
// the payload directly ("amount").
func (c *Context) EventField(path string) (any, bool) {
	if path == "" {
		return c.asEventMap(), true
	}
	if v, ok := dig(c.asEventMap(), path); ok {
		return v, true
	}
	return dig(c.Event.Data, path)
}

// factPath resolves "key" or "key.field.sub" against the snapshot.
func (c *Context) factPath(path string) (any, bool) {
	if c.Facts == nil || path == "" {
		return nil, false
	}
	key, rest, _ := strings.Cut(path, ".")
	f, ok := c.Facts.Get(key)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return f.Value, true
	}
	return dig(f.Value, rest)
}

func (c *Context) asEventMap() map[string]any {
	if c.eventMap == nil {
		c.eventMap = eventToMap(c.Event)
	}
	return c.eventMap
}

// eventToMap renders an event the way its JSON form looks, so reference
// paths use the wire field names.
func eventToMap(e rule.Event) map[string]any {
	m := map[string]any{
		"id":        e.ID,
		"topic":     e.Topic,
		"timestamp": e.Timestamp,
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.CorrelationID != "" {
		m["correlationId"] = e.CorrelationID
	}
	if e.CausationID != "" {
		m["causationId"] = e.CausationID
	}
	return m
}

// dig walks a dotted path through nested maps and slices. Numeric
// segments index slices.
func dig(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
