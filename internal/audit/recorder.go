package audit

import (
	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/ident"
)

// Recorder is the single entry point the engine records through. Every
// entry goes to the trace bus; entries of audited types also land in the
// audit log.
type Recorder struct {
	clock clockwork.Clock
	ids   ident.Generator
	log   *Log
	trace *TraceBus
}

// NewRecorder wires a recorder over the given log and trace bus.
func NewRecorder(clock clockwork.Clock, ids ident.Generator, log *Log, trace *TraceBus) *Recorder {
	return &Recorder{clock: clock, ids: ids, log: log, trace: trace}
}

// Record stamps e with an id, timestamp and category, then routes it.
// Entries with unknown types are trace-only.
func (r *Recorder) Record(e Entry) {
	if e.ID == "" {
		e.ID = r.ids.Generate()
	}
	if e.Timestamp == 0 {
		e.Timestamp = r.clock.Now().UnixMilli()
	}
	if c, ok := CategoryOf(e.Type); ok {
		e.Category = c
	}

	r.trace.Publish(e)
	if Audited(e.Type) {
		r.log.Append(e)
	}
}

// Log exposes the underlying audit log.
func (r *Recorder) Log() *Log { return r.log }

// Trace exposes the underlying trace bus.
func (r *Recorder) Trace() *TraceBus { return r.trace }
