// Package sched runs the engine's timers: a priority queue keyed by expiry
// with a single dispatcher goroutine, repeat handling, and optional
// persistence replay across restarts.
package sched

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

const persistPrefix = "timer/"

// Timer is a scheduled timer's runtime state. Count is the number of times
// it has fired so far.
type Timer struct {
	Name          string              `json:"name" yaml:"name"`
	ExpiresAt     int64               `json:"expiresAt" yaml:"expiresAt"`
	OnExpire      rule.EventTemplate  `json:"onExpire" yaml:"onExpire"`
	Repeat        *rule.RepeatSpec    `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	Count         int                 `json:"count" yaml:"count"`
	CorrelationID string              `json:"correlationId,omitempty" yaml:"correlationId,omitempty"`
	CausationID   string              `json:"causationId,omitempty" yaml:"causationId,omitempty"`
	Context       map[string]any      `json:"context,omitempty" yaml:"context,omitempty"`
}

// Remaining returns the time until expiry at now, floored at zero.
func (t Timer) Remaining(now int64) time.Duration {
	d := t.ExpiresAt - now
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

// Config configures the scheduler.
type Config struct {
	// Clock drives expiry; fake clocks in tests.
	Clock clockwork.Clock
	// OnFire receives each expired timer on the dispatcher goroutine. It
	// must not block for long; the engine queues the expiry event and
	// returns.
	OnFire func(Timer)
	// Persistence, when set, survives timers across restarts.
	Persistence storage.Adapter
	// Retry is the backoff policy around persistence calls.
	Retry storage.RetryConfig
	// OnStorageError observes persistence failures after retries.
	OnStorageError func(error)
	// Logger receives operational warnings.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills unset fields and validates the callback.
func (c *Config) CheckAndSetDefaults() error {
	if c.OnFire == nil {
		return rule.NewInvalidArgument("sched: OnFire callback is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Retry.Clock = c.Clock
	c.Retry.CheckAndSetDefaults()
	return nil
}

// Scheduler owns all pending timers. A single dispatcher goroutine sleeps
// until the earliest expiry, fires every due timer, and re-arms repeating
// ones until their MaxCount is reached.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	queue  timerQueue
	byName map[string]*item
	seq    uint64

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New returns a stopped scheduler; call Start to begin dispatching.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		byName: make(map[string]*item),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start replays persisted timers and launches the dispatcher. Persisted
// timers already past due fire exactly once during replay.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.replay(ctx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts the dispatcher. Pending timers stay queued (and persisted)
// for the next Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Schedule arms the timer described by spec, replacing any pending timer
// with the same name. The correlation ids and captured context ride along
// to the expiry callback.
func (s *Scheduler) Schedule(ctx context.Context, spec rule.TimerSpec, corrID, causID string, captured map[string]any) (Timer, error) {
	if spec.Name == "" {
		return Timer{}, rule.NewInvalidArgument("timer name is required")
	}
	d, err := rule.ParseDuration(spec.Duration)
	if err != nil {
		return Timer{}, rule.NewInvalidArgument("timer %q: invalid duration %q: %v", spec.Name, spec.Duration, err)
	}
	if d <= 0 {
		return Timer{}, rule.NewInvalidArgument("timer %q: duration %q must be positive", spec.Name, spec.Duration)
	}
	if spec.Repeat != nil {
		// A zero interval would re-arm due-now forever inside fireDue.
		iv, err := rule.ParseDuration(spec.Repeat.Interval)
		if err != nil {
			return Timer{}, rule.NewInvalidArgument("timer %q: invalid repeat interval %q: %v", spec.Name, spec.Repeat.Interval, err)
		}
		if iv <= 0 {
			return Timer{}, rule.NewInvalidArgument("timer %q: repeat interval %q must be positive", spec.Name, spec.Repeat.Interval)
		}
		if spec.Repeat.MaxCount < 0 {
			return Timer{}, rule.NewInvalidArgument("timer %q: repeat maxCount must be >= 0", spec.Name)
		}
	}
	t := Timer{
		Name:          spec.Name,
		ExpiresAt:     s.cfg.Clock.Now().Add(d).UnixMilli(),
		OnExpire:      spec.OnExpire,
		Repeat:        spec.Repeat,
		CorrelationID: corrID,
		CausationID:   causID,
		Context:       captured,
	}
	s.Set(ctx, t)
	return t, nil
}

// Set arms t directly, replacing any pending timer with the same name.
// Used by Schedule and by persistence replay.
func (s *Scheduler) Set(ctx context.Context, t Timer) {
	s.mu.Lock()
	s.setLocked(t)
	s.mu.Unlock()

	s.persist(ctx, t)
	s.signal()
}

func (s *Scheduler) setLocked(t Timer) {
	if old, ok := s.byName[t.Name]; ok {
		heap.Remove(&s.queue, old.index)
	}
	s.seq++
	it := &item{timer: t, seq: s.seq}
	heap.Push(&s.queue, it)
	s.byName[t.Name] = it
}

// Cancel disarms the named timer. Cancelling an absent timer is not an
// error.
func (s *Scheduler) Cancel(ctx context.Context, name string) bool {
	s.mu.Lock()
	it, ok := s.byName[name]
	if ok {
		heap.Remove(&s.queue, it.index)
		delete(s.byName, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.unpersist(ctx, name)
	s.signal()
	return true
}

// Get returns the named pending timer.
func (s *Scheduler) Get(name string) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byName[name]
	if !ok {
		return Timer{}, false
	}
	return it.timer, true
}

// List returns all pending timers ordered by expiry, then name.
func (s *Scheduler) List() []Timer {
	s.mu.Lock()
	out := make([]Timer, 0, len(s.byName))
	for _, it := range s.byName {
		out = append(out, it.timer)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt != out[j].ExpiresAt {
			return out[i].ExpiresAt < out[j].ExpiresAt
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byName)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		var expiry <-chan time.Time
		s.mu.Lock()
		if next := s.queue.peek(); next != nil {
			d := time.Duration(next.timer.ExpiresAt-s.cfg.Clock.Now().UnixMilli()) * time.Millisecond
			if d < 0 {
				d = 0
			}
			expiry = s.cfg.Clock.After(d)
		}
		s.mu.Unlock()

		select {
		case <-expiry:
			s.fireDue(ctx)
		case <-s.wake:
			// Queue changed; recompute the next expiry.
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fireDue pops every timer at or past its expiry, re-arms repeats, and
// invokes OnFire outside the lock.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.cfg.Clock.Now().UnixMilli()

	var fired []Timer
	var rearmed []Timer
	var exhausted []string

	s.mu.Lock()
	for {
		next := s.queue.peek()
		if next == nil || next.timer.ExpiresAt > now {
			break
		}
		it := heap.Pop(&s.queue).(*item)
		t := it.timer
		// Drop the name index now: the popped item's heap index is
		// stale, and setLocked must not try to Remove it on re-arm.
		delete(s.byName, t.Name)
		t.Count++
		fired = append(fired, t)

		if t.Repeat != nil && (t.Repeat.MaxCount == 0 || t.Count < t.Repeat.MaxCount) {
			interval, err := rule.ParseDuration(t.Repeat.Interval)
			if err != nil || interval <= 0 {
				// Validated at Schedule; replay of a corrupt record lands here.
				s.cfg.Logger.Warn("dropping timer with invalid repeat interval",
					"timer", t.Name, "interval", t.Repeat.Interval)
				exhausted = append(exhausted, t.Name)
				continue
			}
			t.ExpiresAt += interval.Milliseconds()
			s.setLocked(t)
			rearmed = append(rearmed, t)
		} else {
			exhausted = append(exhausted, t.Name)
		}
	}
	s.mu.Unlock()

	for _, t := range rearmed {
		s.persist(ctx, t)
	}
	for _, name := range exhausted {
		s.unpersist(ctx, name)
	}
	for _, t := range fired {
		s.cfg.OnFire(t)
	}
}

// replay loads persisted timers. Past-due timers fire once immediately;
// repeating ones re-arm from now rather than their stale expiry.
func (s *Scheduler) replay(ctx context.Context) error {
	if s.cfg.Persistence == nil {
		return nil
	}
	keys, err := s.cfg.Persistence.ListKeys(ctx)
	if err != nil {
		return rule.NewStorageError("list", persistPrefix, err)
	}
	now := s.cfg.Clock.Now().UnixMilli()
	for _, key := range keys {
		if !strings.HasPrefix(key, persistPrefix) {
			continue
		}
		rec, ok, err := s.cfg.Persistence.Load(ctx, key)
		if err != nil || !ok {
			if err != nil {
				s.cfg.Logger.Warn("timer replay load failed", "key", key, "error", err)
			}
			continue
		}
		var t Timer
		if err := json.Unmarshal(rec.State, &t); err != nil {
			s.cfg.Logger.Warn("dropping undecodable persisted timer", "key", key, "error", err)
			s.unpersist(ctx, strings.TrimPrefix(key, persistPrefix))
			continue
		}

		if t.ExpiresAt > now {
			s.Set(ctx, t)
			continue
		}

		// Past due: fire once now.
		t.Count++
		if t.Repeat != nil && (t.Repeat.MaxCount == 0 || t.Count < t.Repeat.MaxCount) {
			if interval, err := rule.ParseDuration(t.Repeat.Interval); err == nil {
				rearmed := t
				rearmed.ExpiresAt = now + interval.Milliseconds()
				s.Set(ctx, rearmed)
			}
		} else {
			s.unpersist(ctx, t.Name)
		}
		s.cfg.OnFire(t)
	}
	return nil
}

func (s *Scheduler) persist(ctx context.Context, t Timer) {
	if s.cfg.Persistence == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		s.cfg.Logger.Error("timer encode failed", "timer", t.Name, "error", err)
		return
	}
	key := persistPrefix + t.Name
	err = s.cfg.Retry.Do(ctx, "save", key, func() error {
		return s.cfg.Persistence.Save(ctx, key, payload)
	})
	if err != nil {
		s.reportStorage(err, t.Name)
	}
}

func (s *Scheduler) unpersist(ctx context.Context, name string) {
	if s.cfg.Persistence == nil {
		return
	}
	key := persistPrefix + name
	err := s.cfg.Retry.Do(ctx, "delete", key, func() error {
		_, err := s.cfg.Persistence.Delete(ctx, key)
		return err
	})
	if err != nil {
		s.reportStorage(err, name)
	}
}

func (s *Scheduler) reportStorage(err error, name string) {
	s.cfg.Logger.Warn("timer persistence failed, continuing in memory", "timer", name, "error", err)
	if s.cfg.OnStorageError != nil {
		s.cfg.OnStorageError(err)
	}
}
