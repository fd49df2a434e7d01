// Command captiond is the closed-captioning daemon for the station's VOD
// library: it scans the flex volumes for fresh recordings, transcribes and
// captions them, remuxes the caption track, uploads the result to Cablecast
// and validates platform-side processing.
//
// All wiring happens here, explicitly. There is no registry or dependency
// container; reading main tells you the whole object graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/communitymedia/captiond/internal/asr"
	"github.com/communitymedia/captiond/internal/cablecast"
	"github.com/communitymedia/captiond/internal/config"
	"github.com/communitymedia/captiond/internal/fsops"
	"github.com/communitymedia/captiond/internal/log"
	"github.com/communitymedia/captiond/internal/model"
	"github.com/communitymedia/captiond/internal/ops"
	"github.com/communitymedia/captiond/internal/pipeline"
	"github.com/communitymedia/captiond/internal/queue"
	"github.com/communitymedia/captiond/internal/remux"
	"github.com/communitymedia/captiond/internal/scanner"
	"github.com/communitymedia/captiond/internal/schedule"
	"github.com/communitymedia/captiond/internal/store"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "/etc/captiond/config.yaml", "path to the YAML configuration")
		checkConfig = flag.Bool("check-config", false, "validate the configuration and exit")
		runNow      = flag.Bool("run-now", false, "trigger a processing sweep immediately after startup")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("captiond", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "captiond:", err)
		os.Exit(1)
	}
	if *checkConfig {
		fmt.Println("configuration ok")
		return
	}

	logOut := os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "captiond: open log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	log.Configure(log.Config{Level: cfg.Logging.Level, Output: logOut})
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Str("config", *configPath).Msg("captiond starting")

	if err := run(cfg, *runNow); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("captiond exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("captiond stopped")
}

func run(cfg config.Config, runNow bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenBadger(filepath.Join(cfg.Paths.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	disk := fsops.Disk{}
	if err := disk.MkdirAll(cfg.Paths.TempRoot, 0o755); err != nil {
		return fmt.Errorf("create temp root: %w", err)
	}

	var queues []queue.QueueSpec
	for _, q := range cfg.Queues {
		queues = append(queues, queue.QueueSpec{
			Name:          q.Name,
			Concurrency:   q.Concurrency,
			MaxQueueDepth: q.MaxQueueDepth,
		})
	}
	hostname, _ := os.Hostname()
	mgr := queue.NewManager(st, queue.Options{
		Queues:      queues,
		BackoffBase: cfg.Retry.BackoffBase.Std(),
		BackoffCap:  cfg.Retry.BackoffCap.Std(),
		WorkerID:    hostname,
	})

	cable := cablecast.New(cablecast.Config{
		BaseURL:    cfg.Cablecast.BaseURL,
		APIKey:     cfg.Cablecast.APIKey,
		LocationID: cfg.Cablecast.LocationID,
		RateLimit:  rate.Limit(cfg.Cablecast.RateLimit),
		RateBurst:  cfg.Cablecast.RateBurst,
	})

	transcriber := &asr.CommandTranscriber{Binary: cfg.ASR.Command}
	remuxer := &remux.CommandRemuxer{Binary: cfg.Remux.Command}
	prober := &remux.CommandProber{Binary: cfg.Remux.ProbeCommand}
	scan := scanner.New(disk)

	pipe := pipeline.New(st, disk, transcriber, remuxer, prober, cable, pipeline.Config{
		TempRoot:      cfg.Paths.TempRoot,
		OutputRoot:    cfg.Paths.OutputRoot,
		SidecarPolicy: cfg.Output.SCCSidecarPolicy,
		ASR: asr.Options{
			Model:       cfg.ASR.Model,
			Language:    cfg.ASR.Language,
			ComputeType: cfg.ASR.ComputeType,
			BatchSize:   cfg.ASR.BatchSize,
			NumWorkers:  cfg.ASR.NumWorkers,
		},
		Validation: cfg.Validation,
		Lease:      cfg.Lease,
	})

	handlers := pipeline.NewHandlers(st, disk, scan, pipe, mgr, pipeline.HandlersConfig{
		Volumes:       cfg.Volumes,
		Policy:        scannerPolicy(cfg.Scanner),
		SuccessPolicy: cfg.Fanout.SuccessPolicy,
		TempRoot:      cfg.Paths.TempRoot,
	})

	err = mgr.Register(
		queue.TemplateSpec{
			Name:        model.TemplateProcessRecent,
			Queue:       model.QueueVODProcessing,
			MaxAttempts: cfg.Retry.LightMaxAttempts,
			LeaseTTL:    cfg.Lease.Light.Std(),
			Handler:     queue.HandlerFunc(handlers.ProcessRecent),
		},
		queue.TemplateSpec{
			Name:        model.TemplateProcessSingle,
			Queue:       model.QueueTranscription,
			MaxAttempts: cfg.Retry.MaxAttempts,
			LeaseTTL:    cfg.Lease.Transcription.Std(),
			Handler:     queue.HandlerFunc(handlers.ProcessSingle),
		},
		queue.TemplateSpec{
			Name:        model.TemplateCaptionCheck,
			Queue:       model.QueueDefault,
			MaxAttempts: cfg.Retry.LightMaxAttempts,
			LeaseTTL:    cfg.Lease.Light.Std(),
			Handler:     queue.HandlerFunc(handlers.CaptionCheck),
		},
		queue.TemplateSpec{
			Name:        model.TemplateCleanup,
			Queue:       model.QueueDefault,
			MaxAttempts: cfg.Retry.LightMaxAttempts,
			LeaseTTL:    cfg.Lease.Light.Std(),
			Handler:     queue.HandlerFunc(handlers.Cleanup),
		},
	)
	if err != nil {
		return fmt.Errorf("register templates: %w", err)
	}

	sched, err := schedule.New(st, mgr, cfg.Schedule)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	operator := ops.New(mgr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	if runNow {
		g.Go(func() error {
			if _, err := operator.TriggerTemplate(ctx, model.TemplateProcessRecent, model.Payload{}); err != nil {
				logger := log.WithComponent("main")
				logger.Warn().Err(err).Msg("startup sweep trigger failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func scannerPolicy(sc config.ScannerConfig) scanner.Policy {
	pol := scanner.DefaultPolicy()
	if sc.RecentN > 0 {
		pol.RecentN = sc.RecentN
	}
	if sc.MinSizeBytes > 0 {
		pol.MinSizeBytes = sc.MinSizeBytes
	}
	if len(sc.Extensions) > 0 {
		pol.Extensions = sc.Extensions
	}
	if sc.SkipIfCaptionExists != nil {
		pol.SkipIfCaptionExists = *sc.SkipIfCaptionExists
	}
	if len(sc.SubtreePriority) > 0 {
		pol.SubtreePriority = sc.SubtreePriority
	}
	if sc.ScanTimeout.Std() > 0 {
		pol.ScanTimeout = sc.ScanTimeout.Std()
	}
	return pol
}
