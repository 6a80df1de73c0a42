package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// debouncer collapses rapid repeated activations of a rule into a
// single trailing-edge fire: each new trigger within the window
// replaces the pending one and restarts the timer.
type debouncer struct {
	clock clockwork.Clock
	fire  func(ruleID string, w work, corrID string)

	mu      sync.Mutex
	pending map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	timer  clockwork.Timer
	w      work
	corrID string
}

func newDebouncer(clock clockwork.Clock, fire func(ruleID string, w work, corrID string)) *debouncer {
	return &debouncer{
		clock:   clock,
		fire:    fire,
		pending: make(map[string]*debounceEntry),
	}
}

// trigger records the latest activation of the rule and (re)arms its
// window.
func (d *debouncer) trigger(ruleID string, window time.Duration, w work, corrID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if ent, ok := d.pending[ruleID]; ok {
		ent.w = w
		ent.corrID = corrID
		ent.timer.Reset(window)
		return
	}
	ent := &debounceEntry{w: w, corrID: corrID}
	ent.timer = d.clock.AfterFunc(window, func() { d.flush(ruleID) })
	d.pending[ruleID] = ent
}

func (d *debouncer) flush(ruleID string) {
	d.mu.Lock()
	ent, ok := d.pending[ruleID]
	delete(d.pending, ruleID)
	stopped := d.stopped
	d.mu.Unlock()
	if ok && !stopped {
		d.fire(ruleID, ent.w, ent.corrID)
	}
}

// cancel drops a pending activation, if any. Used when the rule is
// unregistered.
func (d *debouncer) cancel(ruleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ent, ok := d.pending[ruleID]; ok {
		ent.timer.Stop()
		delete(d.pending, ruleID)
	}
}

// len returns the number of rules with a pending window.
func (d *debouncer) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// stop drops every pending activation.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, ent := range d.pending {
		ent.timer.Stop()
		delete(d.pending, id)
	}
}
