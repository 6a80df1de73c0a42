package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
)

func TestRegistry_InvokeDispatches(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("math", Func{
		"add": func(_ context.Context, args []any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		},
	}))

	out, err := r.Invoke(context.Background(), "math", "add", []any{2.0, 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out)
}

func TestRegistry_UnknownServiceAndMethod(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("noop", Func{}))

	_, err := r.Invoke(context.Background(), "missing", "x", nil)
	assert.True(t, rule.IsNotFound(err))

	_, err = r.Invoke(context.Background(), "noop", "x", nil)
	assert.True(t, rule.IsNotFound(err))
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("svc", Func{
		"v": func(context.Context, []any) (any, error) { return 1, nil },
	}))
	require.NoError(t, r.Register("svc", Func{
		"v": func(context.Context, []any) (any, error) { return 2, nil },
	}))

	out, err := r.Invoke(context.Background(), "svc", "v", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.Equal(t, []string{"svc"}, r.Names())
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry()
	assert.True(t, rule.IsInvalidArgument(r.Register("", Func{})))
	assert.True(t, rule.IsInvalidArgument(r.Register("svc", nil)))
	assert.False(t, r.Has("svc"))
	assert.False(t, r.Unregister("svc"))
}

func TestRegistry_ErrorsPassThrough(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("upstream down")
	require.NoError(t, r.Register("svc", Func{
		"fail": func(context.Context, []any) (any, error) { return nil, boom },
	}))

	_, err := r.Invoke(context.Background(), "svc", "fail", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRollingBaseline_WarmupIsNeverAnomalous(t *testing.T) {
	b := NewRollingBaseline(10)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		v, err := b.CheckAnomaly(ctx, "latency", 1000, CompareAbove, 2)
		require.NoError(t, err)
		assert.False(t, v.IsAnomaly, "observation %d is warmup", i)
	}
}

func TestRollingBaseline_DetectsSpikes(t *testing.T) {
	b := NewRollingBaseline(50)
	ctx := context.Background()

	// Learn a stable-ish series around 100.
	for _, v := range []float64{100, 102, 98, 101, 99, 100, 103, 97, 100, 101} {
		b.Observe("latency", v)
	}

	normal, err := b.CheckAnomaly(ctx, "latency", 101, CompareAbove, 3)
	require.NoError(t, err)
	assert.False(t, normal.IsAnomaly)

	spike, err := b.CheckAnomaly(ctx, "latency", 500, CompareAbove, 3)
	require.NoError(t, err)
	assert.True(t, spike.IsAnomaly)
	assert.Greater(t, spike.ZScore, 3.0)
	assert.Equal(t, SeverityCritical, spike.Severity)
}

func TestRollingBaseline_ComparisonDirections(t *testing.T) {
	ctx := context.Background()
	seed := func() *RollingBaseline {
		b := NewRollingBaseline(50)
		for _, v := range []float64{100, 101, 99, 100, 102, 98, 100, 101} {
			b.Observe("m", v)
		}
		return b
	}

	v, err := seed().CheckAnomaly(ctx, "m", 10, CompareAbove, 3)
	require.NoError(t, err)
	assert.False(t, v.IsAnomaly, "above ignores drops")

	v, err = seed().CheckAnomaly(ctx, "m", 10, CompareBelow, 3)
	require.NoError(t, err)
	assert.True(t, v.IsAnomaly)
	assert.Less(t, v.ZScore, -3.0)

	v, err = seed().CheckAnomaly(ctx, "m", 10, CompareBoth, 3)
	require.NoError(t, err)
	assert.True(t, v.IsAnomaly)

	_, err = seed().CheckAnomaly(ctx, "m", 10, "sideways", 3)
	assert.True(t, rule.IsInvalidArgument(err))
}

func TestRollingBaseline_FlatSeries(t *testing.T) {
	b := NewRollingBaseline(50)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		b.Observe("m", 100)
	}

	same, err := b.CheckAnomaly(ctx, "m", 100, CompareBoth, 3)
	require.NoError(t, err)
	assert.False(t, same.IsAnomaly)

	diff, err := b.CheckAnomaly(ctx, "m", 101, CompareBoth, 3)
	require.NoError(t, err)
	assert.True(t, diff.IsAnomaly, "any deviation from a flat baseline is anomalous")
}

func TestRollingBaseline_WindowSlides(t *testing.T) {
	b := NewRollingBaseline(5)
	ctx := context.Background()

	// Old regime around 100 scrolls out as the new regime around 500
	// fills the window.
	for _, v := range []float64{100, 100, 100, 100, 100} {
		b.Observe("m", v)
	}
	for _, v := range []float64{500, 502, 498, 501, 499} {
		b.Observe("m", v)
	}

	v, err := b.CheckAnomaly(ctx, "m", 500, CompareBoth, 3)
	require.NoError(t, err)
	assert.False(t, v.IsAnomaly, "the window has fully adapted to the new regime")
	assert.Equal(t, 1, b.Size())
}
