package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hamicek/noex-rules-sub008/internal/codec"
	"github.com/hamicek/noex-rules-sub008/internal/engine"
	"github.com/hamicek/noex-rules-sub008/internal/rule"
	"github.com/hamicek/noex-rules-sub008/internal/storage"
	"github.com/hamicek/noex-rules-sub008/internal/storage/badgerdb"
	"github.com/hamicek/noex-rules-sub008/internal/storage/sqlite"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Store  string // "memory" | "sqlite" | "badger"
	DB     string
	Strict bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <document>...",
		Short: "Start the engine with rule documents",
		Long: `Start the rule engine with the given YAML or JSON rule documents.

The engine registers every group and rule from the documents and then
dispatches events until interrupted. With --store sqlite or --store
badger, rule definitions, timers and the audit log persist across
restarts.

Example:
  noex run ./rules.yaml
  noex run --store sqlite --db ./noex.db ./rules.yaml --verbose`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Store, "store", "memory", "storage backend (memory|sqlite|badger)")
	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the sqlite database or badger directory")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "treat unknown document fields as errors")

	return cmd
}

func runEngine(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("loading rule documents", "count", len(paths))
	docs, err := loadDocuments(paths, codec.Options{Strict: opts.Strict})
	if err != nil {
		if rule.KindOf(err) != "" {
			return WrapExitError(ExitFailure, "invalid rule document", err)
		}
		return WrapExitError(ExitCommandError, "failed to load rule documents", err)
	}

	adapter, err := openAdapter(opts.Store, opts.DB)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}

	cfg := engine.Config{}
	if adapter != nil {
		slog.Info("storage ready", "backend", opts.Store, "path", opts.DB)
		cfg.Persistence = &engine.PersistenceConfig{Adapter: adapter}
		cfg.TimerPersistence = &engine.TimerPersistenceConfig{Adapter: adapter}
		cfg.Audit.Adapter = adapter
		defer func() {
			if closeErr := adapter.Close(); closeErr != nil {
				slog.Error("error closing storage", "error", closeErr)
			}
		}()
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build engine", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	defer eng.Stop()

	if err := applyDocuments(eng, docs); err != nil {
		return WrapExitError(ExitFailure, "failed to register rules", err)
	}
	slog.Info("engine running", "rules", len(eng.Rules()), "groups", len(eng.Groups()))
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Press Ctrl-C to stop.")

	<-ctx.Done()
	slog.Info("engine stopping")
	return nil
}

// loadDocuments decodes every document, logging warnings as they come.
func loadDocuments(paths []string, opts codec.Options) ([]*codec.Document, error) {
	docs := make([]*codec.Document, 0, len(paths))
	for _, path := range paths {
		doc, warnings, err := codec.DecodeFile(path, opts)
		for _, w := range warnings {
			slog.Warn("document warning", "path", path, "finding", w.String())
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// applyDocuments registers groups and rules so the documents win over
// whatever a persistence adapter reloaded: existing ids are updated in
// place, new ones are created.
func applyDocuments(eng *engine.Engine, docs []*codec.Document) error {
	for _, doc := range docs {
		for i := range doc.Groups {
			g := doc.Groups[i]
			if _, err := eng.CreateGroup(&g); err != nil {
				if !rule.IsConflict(err) {
					return err
				}
				if _, err := eng.UpdateGroup(g.ID, &g); err != nil {
					return err
				}
			}
		}
		for _, r := range doc.Rules {
			registered, err := eng.RegisterRule(r)
			if err != nil {
				if !rule.IsConflict(err) {
					return err
				}
				registered, err = eng.UpdateRule(r.ID, r)
				if err != nil {
					return err
				}
			}
			slog.Debug("rule registered", "id", registered.ID, "name", registered.Name)
		}
	}
	return nil
}

// openAdapter builds the storage backend named by the --store flag. The
// memory backend returns nil: nothing to persist into.
func openAdapter(store, db string) (storage.Adapter, error) {
	switch store {
	case "memory", "":
		return nil, nil
	case "sqlite":
		if db == "" {
			return nil, fmt.Errorf("--db is required with --store sqlite")
		}
		return sqlite.Open(db)
	case "badger":
		if db == "" {
			return nil, fmt.Errorf("--db is required with --store badger")
		}
		return badgerdb.Open(db)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", store)
	}
}
