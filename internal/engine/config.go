package engine

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hamicek/noex-rules-sub008/internal/audit"
	"github.com/hamicek/noex-rules-sub008/internal/ident"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/service"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
)

// Defaults applied by Config.CheckAndSetDefaults.
const (
	DefaultMaxCascadeDepth = 64
	DefaultQueueSize       = 1024
	DefaultActionTimeout   = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// PersistenceConfig controls durable storage of registered rules and
// groups. The engine saves the full definition set on every mutation
// and reloads it on Start.
type PersistenceConfig struct {
	Adapter storage.Adapter
	// Key is the storage key holding the definition set. Defaults to
	// the engine name.
	Key string
}

// TimerPersistenceConfig controls durable storage of scheduled timers.
type TimerPersistenceConfig struct {
	Adapter storage.Adapter
}

// AuditConfig controls the durable audit log.
type AuditConfig struct {
	// MaxMemoryEntries bounds the in-memory audit ring.
	MaxMemoryEntries int
	// Adapter, when set, receives batched audit entries.
	Adapter       storage.Adapter
	Retention     time.Duration
	BatchSize     int
	FlushInterval time.Duration
}

// TracingConfig controls the trace bus.
type TracingConfig struct {
	// Enabled turns the trace tap on at construction. It can also be
	// toggled at runtime through Engine.Trace.
	Enabled bool
	// MaxEntries bounds the trace ring. Zero uses the audit package
	// default.
	MaxEntries int
}

// Config carries engine tuning. The zero value is usable; New applies
// defaults through CheckAndSetDefaults.
type Config struct {
	// Name identifies the engine in logs and storage keys.
	Name string

	// MaxConcurrency is the number of cascade workers. Defaults to
	// GOMAXPROCS.
	MaxConcurrency int

	// QueueSize bounds the cascade ingress queue. Producers block when
	// it is full.
	QueueSize int

	// MaxCascadeDepth bounds the number of derived dispatches within a
	// single cascade.
	MaxCascadeDepth int

	// DebounceMs is the default trailing-edge debounce window applied
	// to rules that do not set their own. Zero disables debouncing.
	DebounceMs int64

	// ActionTimeout bounds each call_service invocation.
	ActionTimeout time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight
	// cascades to drain.
	ShutdownTimeout time.Duration

	// MaxEvents and MaxEventAge configure the event store.
	MaxEvents   int
	MaxEventAge time.Duration

	// Retry governs storage operations issued by the engine itself
	// (definition persistence).
	Retry storage.RetryConfig

	Persistence      *PersistenceConfig
	TimerPersistence *TimerPersistenceConfig
	Audit            AuditConfig
	Tracing          TracingConfig
}

// CheckAndSetDefaults validates the configuration and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		c.Name = "noex"
	}
	if c.MaxConcurrency < 0 {
		return rule.NewInvalidArgument("maxConcurrency must be >= 0, got %d", c.MaxConcurrency)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = runtime.GOMAXPROCS(0)
	}
	if c.QueueSize < 0 {
		return rule.NewInvalidArgument("queueSize must be >= 0, got %d", c.QueueSize)
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxCascadeDepth < 0 {
		return rule.NewInvalidArgument("maxCascadeDepth must be >= 0, got %d", c.MaxCascadeDepth)
	}
	if c.MaxCascadeDepth == 0 {
		c.MaxCascadeDepth = DefaultMaxCascadeDepth
	}
	if c.DebounceMs < 0 {
		return rule.NewInvalidArgument("debounceMs must be >= 0, got %d", c.DebounceMs)
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Persistence != nil && c.Persistence.Adapter == nil {
		return rule.NewInvalidArgument("persistence requires an adapter")
	}
	if c.Persistence != nil && c.Persistence.Key == "" {
		c.Persistence.Key = "definitions:" + c.Name
	}
	if c.TimerPersistence != nil && c.TimerPersistence.Adapter == nil {
		return rule.NewInvalidArgument("timer persistence requires an adapter")
	}
	return nil
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock substitutes the wall clock. Tests pass a fake.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDs substitutes the id generator used for events, audit entries
// and groups.
func WithIDs(ids ident.Generator) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithLogger substitutes the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithServices installs the registry consulted by call_service actions
// and rule lookups.
func WithServices(reg *service.Registry) Option {
	return func(e *Engine) { e.services = reg }
}

// WithBaseline installs the store consulted by baseline conditions.
func WithBaseline(b service.BaselineStore) Option {
	return func(e *Engine) { e.baseline = b }
}

// WithRecorder substitutes the audit recorder. Primarily for embedders
// that share one audit pipeline across engines.
func WithRecorder(rec *audit.Recorder) Option {
	return func(e *Engine) { e.recorder = rec }
}
