package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/flowpbx/vmrouter/internal/api"
	"github.com/flowpbx/vmrouter/internal/api/middleware"
	"github.com/flowpbx/vmrouter/internal/config"
	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/dnc"
	"github.com/flowpbx/vmrouter/internal/lifecycle"
	"github.com/flowpbx/vmrouter/internal/metrics"
	"github.com/flowpbx/vmrouter/internal/notify"
	"github.com/flowpbx/vmrouter/internal/pbx"
	"github.com/flowpbx/vmrouter/internal/registry"
	"github.com/flowpbx/vmrouter/internal/router"
	"github.com/flowpbx/vmrouter/internal/transcribe"
	"github.com/flowpbx/vmrouter/internal/voicemail"
)

// drainTimeout bounds the wait for in-flight ingestions at shutdown.
const drainTimeout = 30 * time.Second

func serve(parent context.Context, cfg *config.Config) error {
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting vmrouter",
		"version", Version,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"ami_addr", cfg.AMIAddr,
	)

	db, err := database.Open(ctx, cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	admins := database.NewAdminUserRepository(db)
	if err := bootstrapAdmin(ctx, admins, cfg, logger); err != nil {
		return err
	}

	sysConfig, err := database.NewSystemConfigRepository(ctx, db)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}

	reg := registry.New(database.NewDocumentRepository(db), logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.SpoolPath(), 0750); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	audio, err := openAudioStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mailer := notify.NewEmail(sysConfig, reg, audio, logger)
	notifiers := notify.Multi{
		notify.NewLog(logger),
		mailer,
	}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, "vmrouter", logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		notifiers = append(notifiers, notify.NewNATS(nc, cfg.NATSSubject, logger))
	}

	var dncList api.DNCRegistry
	if cfg.DNCDSN != "" {
		store, err := dnc.Open(ctx, cfg.DNCDSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		dncList = store
	}

	pipeline := voicemail.NewPipeline(voicemail.Config{
		Workers:           int64(cfg.IngestWorkers),
		TranscribeTimeout: cfg.TranscribeTimeout,
	}, reg, audio, voicemail.WAVProber{}, newTranscriber(ctx, cfg, logger), notifiers, logger)

	// The AMI client needs the event bridge, which needs the router, which
	// needs the commander built on the client.
	var bridge *pbx.EventBridge
	ami := pbx.NewClient(pbx.Config{
		Addr:     cfg.AMIAddr,
		Username: cfg.AMIUsername,
		Secret:   cfg.AMISecret,
	}, func(ctx context.Context, msg pbx.Message) {
		bridge.Handle(ctx, msg)
	}, logger)
	commander := pbx.NewCommander(ami, func() time.Duration {
		return time.Duration(reg.Settings().MaxMessageLength) * time.Second
	})
	calls := router.New(router.Config{
		SpoolDir:    cfg.SpoolPath(),
		EventBuffer: cfg.EventBuffer,
	}, reg, commander, pipeline, logger)
	bridge = pbx.NewEventBridge(calls, cfg.DialplanContext, logger)

	monitor := lifecycle.New(lifecycle.Config{
		Interval:      cfg.MonitorInterval,
		FirstRunDelay: time.Minute,
		AlertCooldown: cfg.AlertCooldown,
	}, reg, notifiers, logger)

	cleaner := voicemail.NewCleaner(reg, audio, cfg.SpoolPath(), cfg.SpoolMaxAge, logger)
	cleaner.RunOnce(ctx)
	cleaner.StartCleanupTicker(ctx, cfg.CleanupInterval)

	metricsHandler, err := metrics.Handler(metrics.NewCollector(calls, reg, pipeline, monitor, ami, time.Now()))
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Registry:     reg,
		Audio:        audio,
		AdminUsers:   admins,
		SystemConfig: sysConfig,
		DNC:          dncList,
		PBX:          commander,
		Sharer:       mailer,
		Metrics:      metricsHandler,
	}, api.Options{
		JWTSecret:   secret,
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		APILimit:    middleware.APIRateLimitConfig(),
		LoginLimit:  middleware.LoginRateLimitConfig(),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ami.Run(gctx) })
	g.Go(func() error { return calls.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.HTTPPort)) })

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("service failed", "error", runErr)
	} else {
		runErr = nil
	}

	logger.Info("waiting for voicemail ingestion to finish")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pipeline.Wait(drainCtx); err != nil {
		logger.Warn("shutdown with ingestions pending", "error", err)
	}

	logger.Info("vmrouter stopped")
	return runErr
}

// bootstrapAdmin seeds the first admin user. Without a configured password a
// random one is generated and logged once.
func bootstrapAdmin(ctx context.Context, admins database.AdminUserRepository, cfg *config.Config, logger *slog.Logger) error {
	password := cfg.AdminPassword
	generated := password == ""
	if generated {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating admin password: %w", err)
		}
		password = hex.EncodeToString(buf)
	}

	created, err := database.EnsureAdmin(ctx, admins, cfg.AdminUsername, password)
	if err != nil {
		return fmt.Errorf("creating admin user: %w", err)
	}
	if !created {
		return nil
	}
	if generated {
		logger.Warn("created admin user with generated password", "username", cfg.AdminUsername, "password", password)
	} else {
		logger.Info("created admin user", "username", cfg.AdminUsername)
	}
	return nil
}

func openAudioStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (voicemail.AudioStore, error) {
	files, err := voicemail.NewFileStore(cfg.AudioPath())
	if err != nil {
		return nil, err
	}
	if cfg.GCSBucket == "" {
		return files, nil
	}

	var opts []option.ClientOption
	if cfg.SpeechCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.SpeechCredentials))
	}
	mirrored, err := voicemail.NewMirroredStore(ctx, files, cfg.GCSBucket, cfg.GCSPrefix, logger, opts...)
	if err != nil {
		return nil, err
	}
	return mirrored, nil
}

// newTranscriber returns nil when the Speech client cannot be created, which
// leaves voicemails untranscribed.
func newTranscriber(ctx context.Context, cfg *config.Config, logger *slog.Logger) voicemail.Transcriber {
	var opts []option.ClientOption
	if cfg.SpeechCredentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.SpeechCredentials))
	}
	s, err := transcribe.New(ctx, transcribe.Config{LanguageCode: cfg.SpeechLanguage}, logger, opts...)
	if err != nil {
		logger.Warn("transcription unavailable", "error", err)
		return nil
	}
	return s
}
