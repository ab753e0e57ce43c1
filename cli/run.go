package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"GameHelper/internal/adapters/api"
	"GameHelper/internal/config"
	"GameHelper/internal/core"
	"GameHelper/internal/device"
	"GameHelper/internal/tasks"
	"GameHelper/internal/telemetry"
	"GameHelper/internal/vision"
)

// runFlags override configuration values. Only flags the user set are applied.
var runFlags struct {
	serial string
	api    bool
	port   int
	limit  int
	resume bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the device and run the enabled tasks",
	RunE:  runTasks,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.serial, "serial", "", "device serial or host:port (default: auto-detect)")
	runCmd.Flags().BoolVar(&runFlags.api, "api", false, "serve the HTTP control API")
	runCmd.Flags().IntVar(&runFlags.port, "port", config.DefaultAPIPort, "HTTP API port")
	runCmd.Flags().IntVar(&runFlags.limit, "limit", 0, "stop barrier breaking after this many battles")
	runCmd.Flags().BoolVar(&runFlags.resume, "resume", false, "continue from the latest stored checkpoint")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("serial") {
		cfg.Device.Serial = runFlags.serial
	}
	if flags.Changed("api") {
		cfg.API.Enabled = runFlags.api
	}
	if flags.Changed("port") {
		cfg.API.Port = runFlags.port
		cfg.API.Enabled = true
	}
	if flags.Changed("limit") {
		cfg.Tasks.KekkaiToppa.LimitCount = runFlags.limit
	}
	if flags.Changed("resume") {
		cfg.Tasks.KekkaiToppa.Resume = runFlags.resume
	}
}

func runTasks(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, telemetry.Options{Writer: os.Stderr})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := vision.NewRegistry(vision.NewMatcher(cfg.Vision.Stride), logger)
	if _, err := registry.LoadDir(cfg.Vision.TemplateDir); err != nil {
		return err
	}
	if missing := missingTemplates(registry); len(missing) > 0 {
		return fmt.Errorf("templates missing from %s: %v", cfg.Vision.TemplateDir, missing)
	}

	adb := device.NewADB(device.Options{
		Path:    cfg.Device.ADBPath,
		Serial:  cfg.Device.Serial,
		Timeout: cfg.Device.CommandTimeout,
		Logger:  logger,
	})
	if err := adb.Connect(ctx); err != nil {
		return fmt.Errorf("connect device: %w", err)
	}
	defer adb.Disconnect(context.Background())

	reporter := newReporter(os.Stdout, rootFlags.jsonOutput)
	opts := cfg.SchedulerOptions()
	opts.Logger = logger
	opts.Store = store
	opts.Emitter = reporter
	sched := core.NewScheduler(opts)

	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Port, logger, sched,
			api.WithDeviceProvider(func(ctx context.Context) (any, error) {
				return device.ListDevices(ctx, device.ExecRunner{}, cfg.Device.ADBPath)
			}),
			api.WithPrereqProvider(func(ctx context.Context) (any, error) {
				return device.CheckPrereqs(ctx, device.ExecRunner{}, cfg.Device.ADBPath, adb.Serial()), nil
			}),
			api.WithConfigProvider(func() any { return cfg.Redacted() }),
		)
		sched.AddEmitter(server)
		server.StartBackground(ctx)
	}

	list, err := tasks.Setup(sched, cfg.Tasks, tasks.Deps{
		Device:    adb,
		Finder:    registry,
		Resources: tasks.NewResources(nil),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("no task enabled")
	}
	for _, t := range list {
		if err := sched.SubmitTask(t, 0); err != nil {
			return fmt.Errorf("submit %s: %w", t.ID(), err)
		}
	}

	sched.Start()
	ids := lo.Map(list, func(t core.Task, _ int) string { return t.ID() })
	waitForTasks(ctx, sched, ids, 500*time.Millisecond)

	if ctx.Err() != nil {
		logger.Info("[CLI] run: interrupted, stopping tasks")
		for _, id := range ids {
			sched.InterruptTask(id, nil)
		}
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("[CLI] run: scheduler stop", "err", err)
	}

	snaps := lo.FilterMap(ids, func(id string, _ int) (core.ContextSnapshot, bool) {
		return sched.GetTaskStatus(id)
	})
	reporter.ReportSummary(snaps)

	if failed := lo.Filter(snaps, func(s core.ContextSnapshot, _ int) bool { return s.State == core.TaskFailed }); len(failed) > 0 {
		return fmt.Errorf("%d task(s) failed", len(failed))
	}
	return nil
}

// waitForTasks blocks until every task is terminal or ctx is done.
func waitForTasks(ctx context.Context, sched *core.Scheduler, ids []string, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		done := lo.EveryBy(ids, func(id string) bool {
			snap, ok := sched.GetTaskStatus(id)
			return !ok || snap.State.Terminal()
		})
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func missingTemplates(registry *vision.Registry) []string {
	return lo.Filter(tasks.RequiredTemplates(), func(name string, _ int) bool {
		_, ok := registry.Get(name)
		return !ok
	})
}
