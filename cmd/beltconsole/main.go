// Package main provides the command line entry point of the belt scale
// operator console.
//
// Start the interactive dashboard:
//
//	beltconsole serve --config config.yaml
//
// Run a single operation against the backend:
//
//	beltconsole select 0001
//	beltconsole params set 3 1
//	beltconsole report --period previous_month --out ./reports
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/massensors/beltconsole/config"
	"github.com/massensors/beltconsole/internal/logging"
	"github.com/massensors/beltconsole/internal/reload"
	"github.com/massensors/beltconsole/remote"
	"github.com/massensors/beltconsole/service"
	"github.com/massensors/beltconsole/telemetry"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "beltconsole",
		Short:         "Operator console for belt scale devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file (.yaml or .cue)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSelectCmd(),
		buildCurrentCmd(),
		buildClearCmd(),
		buildParamsCmd(),
		buildAliasesCmd(),
		buildMeasurementsCmd(),
		buildChartCmd(),
		buildReportCmd(),
		buildServiceModeCmd(),
		buildMachineStateCmd(),
		buildDevicesCmd(),
		buildLoginCmd(),
		buildLogoutCmd(),
		buildConfigCheckCmd(),
	)
	return rootCmd
}

func newTokenStore(cfg config.APIConfig) remote.TokenStore {
	if path := strings.TrimSpace(cfg.TokenFile); path != "" {
		store := remote.NewFileTokenStore(path)
		if store.Token() == "" && strings.TrimSpace(cfg.Token) != "" {
			_ = store.SetToken(cfg.Token)
		}
		return store
	}
	return remote.NewMemoryTokenStore(cfg.Token)
}

func newClient(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*remote.Client, error) {
	client, err := remote.New(cfg.API.BaseURL,
		remote.WithTimeout(cfg.API.Timeout.Duration),
		remote.WithTokenStore(newTokenStore(cfg.API)),
		remote.WithLogger(logger),
		remote.WithCollector(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}
	return client, nil
}

// session is a console built for a single command invocation.
type session struct {
	cfg     *config.Config
	logger  zerolog.Logger
	client  *remote.Client
	console *service.Console
	cleanup func()
}

func (s *session) Close() {
	if s.console != nil {
		_ = s.console.Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
}

func openSession(path string) (*session, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log.Logger = logger
	client, err := newClient(cfg, logger, telemetry.Noop())
	if err != nil {
		cleanup()
		return nil, err
	}
	console, err := service.New(cfg, client, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, client: client, console: console, cleanup: cleanup}, nil
}

func runServe(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}
	if !cfg.HotReload {
		return serveOnce(ctx, cfg, collector)
	}
	err = runWithHotReload(ctx, path, cfg, collector)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startConsole(cfg *config.Config, collector telemetry.Collector) (*service.Console, zerolog.Logger, func(), error) {
	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	log.Logger = logger

	client, err := newClient(cfg, logger, collector)
	if err != nil {
		cleanup()
		return nil, logger, nil, err
	}
	console, err := service.New(cfg, client, logger)
	if err != nil {
		cleanup()
		return nil, logger, nil, err
	}
	console.SetTelemetry(collector)
	if err := console.EnableLiveView(cfg.ListenAddress()); err != nil {
		console.Close()
		cleanup()
		return nil, logger, nil, err
	}
	logger.Info().Str("listen", console.LiveViewAddress()).Msg("live view started")
	return console, logger, cleanup, nil
}

func serveOnce(ctx context.Context, cfg *config.Config, collector telemetry.Collector) error {
	console, _, cleanup, err := startConsole(cfg, collector)
	if err != nil {
		return err
	}
	defer cleanup()
	defer console.Close()
	return console.Run(ctx)
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		console, logger, cleanup, err := startConsole(cfg, collector)
		if err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- console.Run(runCtx)
		}()

		var changed []string
		reloadRequested := false

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				console.Close()
				cleanup()
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				console.Close()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("console stopped during reload")
				}
				console.Close()
				cleanup()
				if err := watcher.Update(newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				reloadRequested = true
				break loop
			}
		}

		if !reloadRequested {
			return nil
		}
		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
