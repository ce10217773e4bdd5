package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/specflow/pkg/config"
	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/orchestrator"
	"github.com/openfroyo/specflow/pkg/policy"
	"github.com/openfroyo/specflow/pkg/session"
	"github.com/openfroyo/specflow/pkg/stores"
	"github.com/openfroyo/specflow/pkg/telemetry"
)

// app holds everything a command needs, wired from the configuration.
type app struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg    *config.Config
	store  stores.Store
	tel    *telemetry.Telemetry
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
}

// appOptions adjust the wiring for a single command.
type appOptions struct {
	interactive bool
}

// loadConfig reads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if statePath != "" {
		cfg.StatePath = statePath
	}
	if verbose {
		cfg.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	return cfg, cfg.Validate()
}

// newApp loads the configuration and wires the store, telemetry, classifier,
// session executor and orchestrator.
func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry()
	telCfg.ServiceVersion = buildVersion
	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tel, err := telemetry.NewTelemetryWithLogger(telCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	zl := logger.Zerolog()

	ctx, cancel := context.WithCancel(tel.WithContext(cmd.Context()))
	a := &app{ctx: ctx, cancel: cancel, cfg: cfg, tel: tel, logger: zl}

	a.store, err = openStore(ctx, cfg.StatePath)
	if err != nil {
		a.close()
		return nil, err
	}

	tel.Events.Subscribe(telemetry.StoreSink(a.store, zl), nil)
	tel.Events.Subscribe(telemetry.LogSink(zl.With().Str("component", "events").Logger()), nil)

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress != "" {
		go func() {
			if err := tel.Metrics.Serve(ctx, cfg.Metrics.ListenAddress); err != nil {
				zl.Error().Err(err).Str("addr", cfg.Metrics.ListenAddress).Msg("Metrics endpoint stopped")
			}
		}()
		zl.Info().Str("addr", cfg.Metrics.ListenAddress).Msg("Serving metrics")
	}

	classifier, err := newClassifier(ctx, cfg, zl)
	if err != nil {
		a.close()
		return nil, err
	}

	execOpts := []session.Option{
		session.WithPublisher(tel.Events),
		session.WithLogger(zl.With().Str("component", "session").Logger()),
		session.WithModel(cfg.Agent.Model),
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithPublisher(tel.Events),
		orchestrator.WithMetrics(tel.Metrics),
		orchestrator.WithLogger(zl),
	}
	if opts.interactive {
		// Both prompts read from one buffered stdin.
		in := bufio.NewReader(os.Stdin)
		execOpts = append(execOpts, session.WithResponder(session.NewTerminalResponder(in, os.Stderr)))
		orchOpts = append(orchOpts, orchestrator.WithDecider(orchestrator.NewTerminalDecider(in, os.Stderr)))
	}

	executor := session.NewProcessExecutor(session.CommandConfig{
		Command:   cfg.Agent.Command,
		Args:      cfg.Agent.Args,
		Env:       cfg.Agent.Env,
		Dir:       cfg.WorkingDir,
		ExitGrace: cfg.Agent.ExitGrace,
	}, execOpts...)

	a.orch, err = orchestrator.New(cfg, a.store, executor, classifier, orchOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// openStore opens the SQLite state file, creating its directory, or an
// in-memory store for ":memory:".
func openStore(ctx context.Context, path string) (stores.Store, error) {
	if path == ":memory:" {
		log.Warn().Msg("Using an in-memory state store; nothing will be kept after this command")
		return stores.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store %s: %w", path, err)
	}
	return store, nil
}

func newClassifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Classifier, error) {
	classifier, err := policy.NewClassifier(logger.With().Str("component", "policy").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create drift classifier: %w", err)
	}
	if len(cfg.PolicyPaths) == 0 {
		return classifier, nil
	}
	if err := classifier.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
		return nil, err
	}
	var active []string
	for _, p := range classifier.ListPolicies() {
		if p.Enabled && !p.Builtin {
			active = append(active, p.Name)
		}
	}
	logger.Info().Strs("overrides", active).Msg("Drift classification overrides loaded")
	if cfg.WatchPolicies {
		if err := classifier.Watch(ctx, cfg.PolicyPaths); err != nil {
			return nil, fmt.Errorf("failed to watch policies: %w", err)
		}
	}
	return classifier, nil
}

// close flushes telemetry and closes the store.
func (a *app) close() {
	a.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

// finish prints a run result and maps it to the command's exit status.
func (a *app) finish(cmd *cobra.Command, res *orchestrator.Result, err error) error {
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if res.ExitCode != orchestrator.ExitClean {
		return &ExitError{Code: int(res.ExitCode), Reason: exitReason(res)}
	}
	return nil
}

func exitReason(res *orchestrator.Result) string {
	switch res.ExitCode {
	case orchestrator.ExitHalted:
		return fmt.Sprintf("%d drift event(s) await a decision", len(res.PendingDecisions))
	case orchestrator.ExitPartial:
		if len(res.Blocked) == 0 {
			return fmt.Sprintf("%d item(s) held by another writer", len(res.Contended))
		}
		return fmt.Sprintf("%d item(s) blocked", len(res.Blocked))
	}
	return "run failed"
}

// parsePhase accepts a phase name for flags.
func parsePhase(s string) (engine.Phase, error) {
	p := engine.Phase(s)
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("unknown phase %q, want one of %v", s, engine.Phases)
	}
	return p, nil
}
