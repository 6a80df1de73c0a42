package harness

import (
	"fmt"
	"reflect"
	"time"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/engine"
)

// check evaluates one assertion, retrying until it passes or the
// window closes. Retrying absorbs the asynchronous tail of timer and
// debounce cascades without sleeps in the scenarios themselves.
func check(eng *engine.Engine, a Assertion, res *Result) {
	deadline := time.Now().Add(assertTimeout)
	for {
		ok, detail := evaluate(eng, a)
		if ok {
			return
		}
		if time.Now().After(deadline) {
			res.AddError("%s: %s", a.Type, detail)
			return
		}
		time.Sleep(assertInterval)
	}
}

func evaluate(eng *engine.Engine, a Assertion) (bool, string) {
	switch a.Type {
	case AssertFactEquals:
		f, ok := eng.GetFact(a.Key)
		if !ok {
			return false, fmt.Sprintf("fact %q not found", a.Key)
		}
		if !looseEqual(f.Value, a.Value) {
			return false, fmt.Sprintf("fact %q = %v, want %v", a.Key, f.Value, a.Value)
		}
		return true, ""

	case AssertFactAbsent:
		if f, ok := eng.GetFact(a.Key); ok {
			return false, fmt.Sprintf("fact %q exists with value %v", a.Key, f.Value)
		}
		return true, ""

	case AssertEventCount:
		evs, err := eng.Events().ByTopicPattern(a.Topic)
		if err != nil {
			return false, err.Error()
		}
		if len(evs) != a.Count {
			return false, fmt.Sprintf("%d events match %q, want %d", len(evs), a.Topic, a.Count)
		}
		return true, ""

	case AssertAuditCount:
		got := len(eng.Audit().ByType(audit.Type(a.Audit)))
		if got != a.Count {
			return false, fmt.Sprintf("%d %s entries, want %d", got, a.Audit, a.Count)
		}
		return true, ""

	case AssertTimerExists:
		if _, ok := eng.GetTimer(a.Timer); !ok {
			return false, fmt.Sprintf("timer %q not scheduled", a.Timer)
		}
		return true, ""

	case AssertTimerAbsent:
		if _, ok := eng.GetTimer(a.Timer); ok {
			return false, fmt.Sprintf("timer %q still scheduled", a.Timer)
		}
		return true, ""
	}
	return false, fmt.Sprintf("unknown assertion type %q", a.Type)
}

// looseEqual compares across the numeric representations YAML and the
// engine produce, so a scenario's 3 matches a stored int64 or float64.
func looseEqual(got, want any) bool {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok || wok {
		return gok && wok && gf == wf
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
