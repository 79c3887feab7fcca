package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/config"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/configutil"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/docstore"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/duplex"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/fallback"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/gateway"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/metrics"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/observers"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/persistence"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/providers/deepgram"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/providers/openai"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/runner"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/tools"
)

type openAISettings struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	Voice  string `mapstructure:"voice"`
}

type deepgramSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
}

func buildTranscriber(cfg config.VendorConfig) (fallback.Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "deepgram":
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.NewTranscriber(deepgram.Config{
			APIKey:     settings.APIKey,
			Model:      settings.Model,
			Language:   settings.Language,
			SampleRate: settings.SampleRate,
			Encoding:   settings.Encoding,
		}), nil
	case "openai", "whisper":
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.NewTranscriber(settings.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported stt provider: %s", cfg.Provider)
	}
}

func buildAnswerer(cfg config.VendorConfig, searcher docstore.Searcher) (fallback.Answerer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.NewAnswerer(settings.APIKey, settings.Model, searcher), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

func buildSynthesizer(cfg config.VendorConfig, defaultVoice string) (fallback.Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		voice := settings.Voice
		if voice == "" {
			voice = defaultVoice
		}
		return openai.NewSynthesizer(settings.APIKey, voice), nil
	default:
		return nil, fmt.Errorf("unsupported tts provider: %s", cfg.Provider)
	}
}

func buildSink(cfg config.PersistenceConfig, logger *slog.Logger) session.Sink {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return session.NoopSink{}
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	sink := persistence.NewRedisSink(client, cfg.KeyPrefix)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sink.Ping(ctx); err != nil {
		logger.Warn("redis_unreachable_at_boot",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()))
	}
	return sink
}

type gatewayDrainer struct{ gw *gateway.Gateway }

func (d gatewayDrainer) Drain() error { return d.gw.Stop() }

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	obs := metrics.NewAsyncObserver(observers.NewMultiObserver(
		observers.NewLoggerObserver(logger),
		observers.NewPrometheusObserver(prometheus.DefaultRegisterer),
	), 1024)
	defer obs.Close()

	docTimeout := time.Duration(cfg.Documents.TimeoutMS) * time.Millisecond
	docs := docstore.NewServiceClient(cfg.Documents.ServiceURL, docTimeout)
	ownerURL := cfg.Documents.OwnerServiceURL
	if strings.TrimSpace(ownerURL) == "" {
		ownerURL = cfg.Documents.ServiceURL
	}
	oracle := docstore.NewOwnerClient(ownerURL, docTimeout)

	manager := session.NewManager(docs, oracle, buildSink(cfg.Persistence, logger), session.Limits{
		IdleTimeout:        time.Duration(cfg.Voice.TimeoutMinutes) * time.Minute,
		MaxDuration:        time.Duration(cfg.Voice.MaxDurationMinutes) * time.Minute,
		MaxConcurrentCalls: cfg.Voice.MaxConcurrentCalls,
		MaxChunkBytes:      cfg.Voice.MaxAudioBytesPerSecond,
		SweepInterval:      time.Duration(cfg.Voice.SweepIntervalSeconds) * time.Second,
	})
	manager.SetObserver(obs)

	invoker := tools.NewInvoker(docs, docs)
	invoker.SetObserver(obs)

	transcriber, err := buildTranscriber(cfg.Vendors.STT)
	if err != nil {
		logger.Error("stt_provider_unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	answerer, err := buildAnswerer(cfg.Vendors.LLM, docs)
	if err != nil {
		logger.Error("llm_provider_unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	synthesizer, err := buildSynthesizer(cfg.Vendors.TTS, cfg.Voice.GreetingVoice)
	if err != nil {
		logger.Error("tts_provider_unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gw := gateway.New(
		gateway.Config{
			Addr:           cfg.Server.Addr,
			CallPath:       cfg.Server.CallPath,
			AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		manager,
		docs,
		docs,
		invoker,
		duplex.Config{
			URL:           cfg.Duplex.URL,
			Model:         cfg.Duplex.Model,
			APIKey:        cfg.Duplex.APIKey,
			Voice:         cfg.Duplex.Voice,
			Temperature:   cfg.Duplex.Temperature,
			MaxTokens:     cfg.Duplex.MaxTokens,
			ReplyDebounce: time.Duration(cfg.Voice.ReplyDebounceMS) * time.Millisecond,
		},
		gateway.FallbackProviders{
			Transcriber: transcriber,
			Answerer:    answerer,
			Synthesizer: synthesizer,
		},
	)
	gw.SetObserver(obs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("session_sweeper_exited", slog.String("error", err.Error()))
		}
	}()
	if err := gw.Start(ctx); err != nil {
		logger.Error("gateway_start_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	lifecycle := runner.NewLifecycleRunner(gatewayDrainer{gw: gw}, runner.Hooks{
		OnStart: func() {
			logger.Info("voicegate_started",
				slog.String("addr", cfg.Server.Addr),
				slog.String("environment", cfg.Environment))
		},
		OnStop: func() { logger.Info("voicegate_stopped") },
	}, 10*time.Second)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("shutdown_incomplete", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
