package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/service"
)

// timerOp is a deferred timer mutation, applied at commit in action
// order.
type timerOp struct {
	cancel bool
	name   string
	spec   rule.TimerSpec
}

// firing accumulates the deferred effects of one rule execution. Fact
// writes go straight into the snapshot overlay so later actions and
// conditions see them; emitted events and timer mutations are buffered
// and applied when the firing commits.
type firing struct {
	rule *rule.Rule
	ec   *Context

	emits    []rule.Event
	timerOps []timerOp

	// observe is called after every executed action, failed or not.
	observe func(index int, a *rule.Action, took time.Duration, err error)

	index int
}

// executor runs a rule's action list against a firing.
type executor struct {
	eval     *evaluator
	services *service.Registry
	log      *slog.Logger
	timeout  time.Duration
}

// run executes actions in order. A failing action with the fail policy
// aborts the remainder; continue-policy failures are observed and
// skipped. The returned error is the abort cause, already wrapped as an
// action failure.
func (x *executor) run(ctx context.Context, fr *firing, actions []rule.Action) error {
	for i := range actions {
		a := &actions[i]
		idx := fr.index
		fr.index++

		start := time.Now()
		err := x.execute(ctx, fr, a)
		if fr.observe != nil {
			fr.observe(idx, a, time.Since(start), err)
		}
		if err != nil && a.OnError == rule.OnErrorFail {
			return rule.NewActionFailed(fr.rule.ID, idx, err)
		}
	}
	return nil
}

func (x *executor) execute(ctx context.Context, fr *firing, a *rule.Action) error {
	ec := fr.ec
	switch a.Kind {
	case rule.ActionEmitEvent:
		topic := interpolateString(a.Topic, ec)
		data, _ := materialize(a.Data, ec).(map[string]any)
		fr.emits = append(fr.emits, rule.Event{Topic: topic, Data: data})
		return nil

	case rule.ActionSetFact:
		key := interpolateString(a.Key, ec)
		return ec.Facts.Set(key, materialize(a.Value, ec), "rule:"+fr.rule.ID)

	case rule.ActionDeleteFact:
		ec.Facts.Delete(interpolateString(a.Key, ec))
		return nil

	case rule.ActionSetTimer:
		spec := a.Timer()
		spec.Name = interpolateString(spec.Name, ec)
		spec.OnExpire.Topic = interpolateString(spec.OnExpire.Topic, ec)
		if data, ok := materialize(spec.OnExpire.Data, ec).(map[string]any); ok {
			spec.OnExpire.Data = data
		}
		if issues := rule.ValidateTimerSpec(&spec); rule.HasErrors(issues) {
			return rule.NewValidationError(issues)
		}
		fr.timerOps = append(fr.timerOps, timerOp{name: spec.Name, spec: spec})
		return nil

	case rule.ActionCancelTimer:
		fr.timerOps = append(fr.timerOps, timerOp{cancel: true, name: interpolateString(a.Name, ec)})
		return nil

	case rule.ActionCallService:
		return x.callService(ctx, fr, a)

	case rule.ActionLog:
		x.logAction(fr, a)
		return nil

	case rule.ActionConditional:
		branch := a.Then
		pass, err := x.evalAll(ctx, a.Conditions, ec)
		if err != nil {
			return err
		}
		if !pass {
			branch = a.Else
		}
		return x.run(ctx, fr, branch)

	case rule.ActionForEach:
		items, ok := materialize(a.Items, ec).([]any)
		if !ok {
			return rule.NewInvalidArgument("for_each items did not resolve to a list")
		}
		name := a.As
		if name == "" {
			name = "item"
		}
		prev, had := ec.Vars[name]
		for _, item := range items {
			ec.Vars[name] = item
			if err := x.run(ctx, fr, a.Body); err != nil {
				return err
			}
		}
		if had {
			ec.Vars[name] = prev
		} else {
			delete(ec.Vars, name)
		}
		return nil
	}
	return rule.NewInvalidArgument("unknown action kind %q", a.Kind)
}

// callService invokes the named service method with materialized
// arguments, bounded by the engine's action timeout.
func (x *executor) callService(ctx context.Context, fr *firing, a *rule.Action) error {
	if x.services == nil {
		return rule.NewNotFound("service", a.Service)
	}
	args := make([]any, len(a.Args))
	for i, arg := range a.Args {
		args[i] = materialize(arg, fr.ec)
	}

	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	result, err := x.services.Invoke(callCtx, a.Service, a.Method, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return rule.NewTimeout(fr.rule.ID, fr.index-1)
		}
		return err
	}
	if a.ResultKey != "" {
		fr.ec.Vars[a.ResultKey] = result
	}
	return nil
}

func (x *executor) logAction(fr *firing, a *rule.Action) {
	msg := interpolateString(a.Message, fr.ec)
	attrs := []any{"rule", fr.rule.ID, "correlationId", fr.ec.Event.CorrelationID}
	switch a.Level {
	case "debug":
		x.log.Debug(msg, attrs...)
	case "warn":
		x.log.Warn(msg, attrs...)
	case "error":
		x.log.Error(msg, attrs...)
	default:
		x.log.Info(msg, attrs...)
	}
}

// evalAll applies conditions with implicit AND, short-circuiting on the
// first failure.
func (x *executor) evalAll(ctx context.Context, conds []rule.Condition, ec *Context) (bool, error) {
	for _, c := range conds {
		pass, err := x.eval.Evaluate(ctx, c, ec)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// materialize resolves refs and interpolation tokens throughout a
// payload value, copying containers so registered definitions stay
// untouched.
func materialize(v any, ec *Context) any {
	if ref, ok := rule.AsRef(v); ok {
		rv, _ := ec.Resolve(ref.Path)
		return rv
	}
	switch t := v.(type) {
	case string:
		return rule.Interpolate(t, ec.Resolve)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = materialize(val, ec)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = materialize(val, ec)
		}
		return out
	}
	return v
}
