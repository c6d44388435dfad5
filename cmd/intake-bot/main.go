package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"voice-intake-go/internal/acquire"
	"voice-intake-go/internal/analysis"
	"voice-intake-go/internal/batch"
	"voice-intake-go/internal/bot"
	"voice-intake-go/internal/chunk"
	"voice-intake-go/internal/config"
	"voice-intake-go/internal/conversation"
	"voice-intake-go/internal/extractor"
	"voice-intake-go/internal/logger"
	"voice-intake-go/internal/media"
	"voice-intake-go/internal/processor"
	"voice-intake-go/internal/remote"
	"voice-intake-go/internal/sink"
	"voice-intake-go/internal/telegram"
	"voice-intake-go/internal/transcription"
)

// drainTimeout bounds how long shutdown waits for running jobs.
const drainTimeout = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().WithError(err).Fatal("invalid configuration")
	}
	logger.Setup(cfg.Environment, cfg.LogLevel)
	log := logger.New()
	log.WithField("service", "voice-intake-go").WithField("mode", cfg.Telegram.Mode).Info("starting service")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// jobs keep running after a shutdown signal until drained
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	results, err := sink.Open(sigCtx, sink.Options{Driver: cfg.Sink.Driver, Dir: cfg.Sink.Dir, DSN: cfg.Sink.DSN})
	if err != nil {
		log.WithError(err).Fatal("failed to open result sink")
	}
	defer results.Close()

	store, err := sessionStore(sigCtx, cfg.Session)
	if err != nil {
		log.WithError(err).Fatal("failed to open session store")
	}
	defer store.Close()

	tg, err := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token, nil)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the bot api")
	}
	log.WithField("bot", tg.Username()).Info("bot api connected")

	// credentials refresh outlives the signal context while jobs drain
	files, folders, err := pipelines(context.Background(), cfg, tg, results)
	if err != nil {
		log.WithError(err).Fatal("failed to build pipelines")
	}
	handler := bot.NewHandler(tg,
		conversation.NewMachine(store, conversation.WithSinkValidator(validSinkID)),
		files, folders,
		bot.HandlerOptions{Workflows: cfg.Workflows, PageLines: cfg.Batch.PageLines},
	)

	switch cfg.Telegram.Mode {
	case "webhook":
		serveWebhook(sigCtx, jobsCtx, cfg, tg, handler)
	default:
		log.Info("long polling for updates")
		err := tg.Poll(sigCtx, cfg.Telegram.PollTimeout, func(_ context.Context, u tgbotapi.Update) {
			handler.HandleUpdate(jobsCtx, u)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("polling stopped")
		}
	}

	log.Info("shutdown signal received, draining jobs")
	done := make(chan struct{})
	go func() {
		handler.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("all jobs finished")
	case <-time.After(drainTimeout):
		log.Warn("drain timeout reached, cancelling remaining jobs")
		cancelJobs()
		<-done
	}
	log.Info("service stopped cleanly")
}

func validSinkID(id string) error {
	if !sink.ValidID(id) {
		return fmt.Errorf("invalid sheet id %q", id)
	}
	return nil
}

// pipelines wires the single-file and folder processors.
func pipelines(ctx context.Context, cfg config.Config, tg *telegram.Client, results sink.Sink) (*processor.Processor, *batch.Processor, error) {
	drive, err := remote.NewDriveClient(ctx, remote.DriveOptions{
		Endpoint:        cfg.Drive.APIURL,
		CredentialsFile: cfg.Drive.CredentialsFile,
		AccessToken:     cfg.Drive.AccessToken,
		APIKey:          cfg.Drive.APIKey,
	})
	if err != nil {
		return nil, nil, err
	}

	ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.Workers)
	format := media.CanonicalFormat(cfg.Media.SampleRate, cfg.Media.BitrateKbps)

	stt := transcription.NewClient(transcription.Options{
		URL:      cfg.Transcription.URL,
		APIKey:   cfg.Transcription.APIKey,
		Model:    cfg.Transcription.Model,
		Protocol: transcription.Protocol(cfg.Transcription.Protocol),
		Timeout:  cfg.Transcription.Timeout,
		MaxRetry: cfg.Transcription.MaxRetry,
	})
	assistants := analysis.NewAssistantsClient(cfg.Analysis.URL, cfg.Analysis.APIKey, nil)

	files := processor.New(processor.Stages{
		Acquirer: acquire.New(tg, drive, acquire.Limits{
			MaxUploadBytes: cfg.Acquire.MaxUploadBytes,
			MaxRemoteBytes: cfg.Acquire.MaxRemoteBytes,
			Attempts:       cfg.Acquire.Attempts,
			BackoffStep:    cfg.Acquire.BackoffStep,
		}),
		Normalizer:  media.NewNormalizer(ffmpeg, format, cfg.Media.MinDuration),
		Splitter:    chunk.NewSplitter(ffmpeg, format, cfg.Media.MinChunkDuration),
		Transcriber: transcription.NewOrchestrator(stt, cfg.Transcription.Language),
		Analyzer:    analysis.NewOrchestrator(assistants, nil, cfg.Analysis.PollInterval, cfg.Analysis.Timeout),
		Extractor: extractor.New(extractor.Options{
			URL:    cfg.Analysis.URL,
			APIKey: cfg.Analysis.APIKey,
			Model:  cfg.Analysis.ExtractorModel,
		}),
		Sink: results,
	}, processor.Options{
		TempDir:     cfg.Media.TempDir,
		Ceiling:     cfg.Transcription.Ceiling,
		MinDuration: cfg.Media.MinDuration,
		Sheet:       cfg.Sink.Sheet,
	})
	folders := batch.New(drive, files, batch.Options{
		Concurrency:  cfg.Batch.Concurrency,
		MaxItems:     cfg.Batch.MaxItems,
		ListAttempts: cfg.Acquire.Attempts,
		ListBackoff:  cfg.Acquire.BackoffStep,
	})
	return files, folders, nil
}

func sessionStore(ctx context.Context, cfg config.SessionConfig) (conversation.Store, error) {
	if cfg.Driver != "redis" {
		return conversation.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return conversation.NewRedisStore(client, cfg.TTL), nil
}

func serveWebhook(sigCtx, jobsCtx context.Context, cfg config.Config, tg *telegram.Client, h *bot.Handler) {
	log := logger.Component("http")

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.New().WithRequest(r).Debug("health check")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.HandleFunc(cfg.Telegram.WebhookPath, h.Webhook(jobsCtx, cfg.Telegram.WebhookSecret)).Methods(http.MethodPost)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server terminated")
		}
	}()

	if err := tg.SetWebhook(sigCtx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
		log.WithError(err).Fatal("failed to register webhook")
	}
	log.WithField("url", cfg.Telegram.WebhookURL).Info("webhook registered")

	<-sigCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
}
