package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/service"
)

// evaluator resolves condition sources against a firing context and
// applies the comparison operators.
type evaluator struct {
	baseline service.BaselineStore
}

// Evaluate resolves and applies one condition. Undefined sources make
// every operator except not_exists resolve to false; Negate inverts the
// outcome after the operator resolves. The returned error is only
// non-nil for baseline store failures.
func (ev *evaluator) Evaluate(ctx context.Context, c rule.Condition, ec *Context) (bool, error) {
	src, defined, multi, err := ev.resolveSource(ctx, c.Source, ec)
	if err != nil {
		return false, err
	}
	operand, operandDefined := resolveOperand(c.Value, ec)

	var pass bool
	switch c.Operator {
	case rule.OpExists:
		pass = defined
	case rule.OpNotExists:
		pass = !defined
	default:
		if defined && operandDefined {
			if multi != nil {
				// Wildcard fact sources resolve to a multiset; the
				// condition passes when any member does.
				for _, v := range multi {
					if applyOperator(c.Operator, v, operand) {
						pass = true
						break
					}
				}
			} else {
				pass = applyOperator(c.Operator, src, operand)
			}
		}
	}
	if c.Negate {
		pass = !pass
	}
	return pass, nil
}

// resolveSource produces the condition's left-hand value. multi is
// non-nil for wildcard fact patterns, carrying every matching value.
func (ev *evaluator) resolveSource(ctx context.Context, s rule.ConditionSource, ec *Context) (value any, defined bool, multi []any, err error) {
	switch s.Kind {
	case rule.SourceEvent:
		v, ok := ec.EventField(s.Field)
		return v, ok, nil, nil

	case rule.SourceFact:
		key := interpolateString(s.Pattern, ec)
		if strings.Contains(key, "*") {
			matched, qerr := ec.Facts.Query(key)
			if qerr != nil || len(matched) == 0 {
				return nil, false, nil, nil
			}
			values := make([]any, len(matched))
			for i, f := range matched {
				values[i] = f.Value
			}
			return values, true, values, nil
		}
		f, ok := ec.Facts.Get(key)
		if !ok {
			return nil, false, nil, nil
		}
		if s.Field != "" {
			v, ok := dig(f.Value, s.Field)
			return v, ok, nil, nil
		}
		return f.Value, true, nil, nil

	case rule.SourceContext:
		v, ok := dig(ec.Vars, s.Key)
		return v, ok, nil, nil

	case rule.SourceLookup:
		path := s.Name
		if s.Field != "" {
			path += "." + s.Field
		}
		v, ok := dig(ec.Lookups, path)
		return v, ok, nil, nil

	case rule.SourceBaseline:
		if ev.baseline == nil {
			return nil, false, nil, rule.NewInvalidArgument("baseline condition requires a baseline store")
		}
		observed, ok := ec.EventField(s.Metric)
		f, numeric := toFloat(observed)
		if !ok || !numeric {
			return nil, false, nil, nil
		}
		comparison := s.Comparison
		if comparison == "" {
			comparison = service.CompareBoth
		}
		verdict, err := ev.baseline.CheckAnomaly(ctx, s.Metric, f, comparison, s.Sensitivity)
		if err != nil {
			return nil, false, nil, err
		}
		return verdict.IsAnomaly, true, nil, nil
	}
	return nil, false, nil, nil
}

// resolveOperand produces the condition's right-hand value: a Ref or
// interpolated string resolves against the context, anything else is a
// literal.
func resolveOperand(v any, ec *Context) (any, bool) {
	if ref, ok := rule.AsRef(v); ok {
		return ec.Resolve(ref.Path)
	}
	if s, ok := v.(string); ok && rule.HasInterpolation(s) {
		return rule.Interpolate(s, ec.Resolve), true
	}
	return v, true
}

// interpolateString expands ${...} tokens and renders the result as a
// string, for places that need text such as fact key patterns.
func interpolateString(s string, ec *Context) string {
	if !rule.HasInterpolation(s) {
		return s
	}
	out := rule.Interpolate(s, ec.Resolve)
	if str, ok := out.(string); ok {
		return str
	}
	return rule.Stringify(out)
}

func applyOperator(op rule.Operator, src, operand any) bool {
	switch op {
	case rule.OpEq:
		return rule.Equal(src, operand)
	case rule.OpNeq:
		return !rule.Equal(src, operand)
	case rule.OpGt:
		cmp, ok := compare(src, operand)
		return ok && cmp > 0
	case rule.OpGte:
		cmp, ok := compare(src, operand)
		return ok && cmp >= 0
	case rule.OpLt:
		cmp, ok := compare(src, operand)
		return ok && cmp < 0
	case rule.OpLte:
		cmp, ok := compare(src, operand)
		return ok && cmp <= 0
	case rule.OpIn:
		return member(operand, src)
	case rule.OpNotIn:
		return !member(operand, src)
	case rule.OpContains:
		return contains(src, operand)
	case rule.OpNotContains:
		return !contains(src, operand)
	case rule.OpMatches:
		re, err := regexp.Compile(rule.Stringify(operand))
		if err != nil {
			return false
		}
		return re.MatchString(rule.Stringify(src))
	}
	return false
}

// compare orders two values when both are finite numbers. Anything
// else, strings included, does not order and the operator yields false.
func compare(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

// member reports whether needle occurs in the collection.
func member(collection, needle any) bool {
	items, ok := collection.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if rule.Equal(item, needle) {
			return true
		}
	}
	return false
}

// contains handles both string containment and slice membership,
// depending on the source's shape.
func contains(src, operand any) bool {
	switch s := src.(type) {
	case string:
		return strings.Contains(s, rule.Stringify(operand))
	case []any:
		return member(s, operand)
	}
	return false
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
