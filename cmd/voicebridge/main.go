package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"voice-bridge/config"
	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
	"voice-bridge/internal/infra/audio"
	"voice-bridge/internal/infra/gemini"
	"voice-bridge/internal/infra/metrics"
	"voice-bridge/internal/infra/pushover"
	"voice-bridge/internal/infra/tools"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, observer := buildSession(cfg, logger)

	var serverOpts []audio.ControlOption
	serverOpts = append(serverOpts, audio.WithRateLimit(cfg.Server.RateLimit, cfg.RateLimitWindow()))
	if *cfg.Server.Metrics {
		serverOpts = append(serverOpts, audio.WithMetrics(observer.Handler()))
	}
	server := audio.NewControlServer(cfg.Server.Addr, cfg.Server.AuthToken, session, logger, serverOpts...)

	logger.Info("starting voice bridge",
		"model", cfg.Gemini.Model,
		"input", cfg.Audio.Input,
		"output", cfg.Audio.Output,
		"tools", cfg.Session.Tools,
		"grounding", cfg.Session.Grounding,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return session.Stop()
	})
	if cfg.Session.AutoStart {
		g.Go(func() error {
			if err := session.Start(gctx); err != nil {
				logger.Warn("auto start failed", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("voice bridge error", "error", err)
		os.Exit(1)
	}
}

func buildSession(cfg *config.Config, logger *slog.Logger) (*application.Session, *metrics.Observer) {
	devices := audio.NewDevices(audio.DevicesConfig{
		Input:              cfg.Audio.Input,
		Output:             cfg.Audio.Output,
		InputFile:          cfg.Audio.InputFile,
		OutputBufferFrames: cfg.Audio.OutputBufferFrames,
	}, logger)

	clientOpts := []gemini.Option{gemini.WithKeepalive(cfg.Keepalive())}
	if cfg.Gemini.BaseURL != "" {
		clientOpts = append(clientOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	client := gemini.NewClient(cfg.Gemini.APIKey, logger, clientOpts...)

	sessionCfg := application.DefaultSessionConfig()
	sessionCfg.Model = cfg.Gemini.Model
	sessionCfg.Voice = cfg.Gemini.Voice
	sessionCfg.SystemInstruction = cfg.Gemini.SystemInstruction
	sessionCfg.Input = domain.AudioFormat{SampleRate: cfg.Audio.InputSampleRate, Channels: 1, BitDepth: 16}
	sessionCfg.Output = domain.AudioFormat{SampleRate: cfg.Audio.OutputSampleRate, Channels: cfg.Audio.OutputChannels, BitDepth: 16}
	sessionCfg.FrameSize = cfg.Session.FrameSize
	sessionCfg.Tools = cfg.Session.Tools
	sessionCfg.Grounding = cfg.Session.Grounding
	sessionCfg.Retry = application.RetryPolicy{
		MaxRetries: *cfg.Session.MaxRetries,
		Countdown:  cfg.Session.RetryCountdown,
		Tick:       cfg.RetryTick(),
	}

	observer := metrics.New(tools.MarketIntelligence)

	var notifier application.Notifier
	if cfg.Pushover.Enabled {
		notifier = pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey)
	} else {
		notifier = &application.NoopNotifier{}
	}

	opts := []application.SessionOption{
		application.WithNotifier(notifier),
		application.WithObserver(observer),
	}
	if cfg.Session.Tools {
		opts = append(opts, application.WithTools(tools.NewMarketIntel(cfg.Tools.MarketIntelURL, logger)))
	}

	return application.NewSession(sessionCfg, devices, client, logger, opts...), observer
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
