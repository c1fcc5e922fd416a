package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webm-relay/internal/encoder"
	"webm-relay/internal/platform/config"
	"webm-relay/internal/platform/logger"
	"webm-relay/internal/platform/metrics"
	"webm-relay/internal/pushpull"
	"webm-relay/internal/relay"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	file := config.File{Stream: config.DefaultProfile(), StreamRetention: config.DefaultStreamRetention}
	configPath := config.GetEnv("CONFIG_FILE", "")
	if configPath != "" {
		f, err := config.LoadFile(configPath)
		if err != nil {
			logger.New("info", "json").Error("config error", "path", configPath, "error", err)
			os.Exit(1)
		}
		file = f
	}

	port := config.GetEnv("PORT", "8080")
	addr := config.GetEnv("ADDR", file.Addr)
	if addr == "" {
		addr = ":" + port
	}
	logLevel := config.GetEnv("LOG_LEVEL", defaultString(file.LogLevel, "info"))
	logFormat := config.GetEnv("LOG_FORMAT", defaultString(file.LogFormat, "json"))
	profile := file.Stream.WithEnv()
	retention := config.GetEnvDuration("STREAM_RETENTION", file.StreamRetention)

	log := logger.New(logLevel, logFormat)

	enc, err := encoder.New(encoder.Capacity{
		MaxMessageSize:      profile.MaxMessageSize,
		MaxInitMessageSize:  profile.MaxInitMessageSize,
		MaxChunksPerMessage: profile.MaxChunksPerMessage,
	})
	if err != nil {
		log.Error("invalid message limits", "error", err)
		os.Exit(1)
	}
	windowCfg := pushpull.Config{
		Durations:  profile.Durations,
		Bitrate:    profile.BitrateKbps,
		QueueLimit: profile.QueueLimit,
	}
	if err := windowCfg.ValidateFor(enc.MaxChunkSize()); err != nil {
		log.Error("invalid stream profile", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	repo := relay.NewInMemoryRepository(relay.WindowFactory(windowCfg, enc, log, met, relay.DefaultSubscriberBuffer))
	svc := relay.NewService(repo, log, relay.PullLimit{PerSecond: profile.PullRatePerSec, Burst: profile.PullBurst})
	h := relay.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(svc.ActiveStreamCount())
			met.SetQueueDepth(svc.QueueDepth())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			"addr", addr,
			"bitrate_kbps", profile.BitrateKbps,
			"max_message_size", enc.MaxChunkSize(),
			"interval", pushpull.Interval(profile.BitrateKbps, enc.MaxChunkSize()).String(),
			"durations", profile.Durations,
			"queue_limit", profile.QueueLimit,
			"log_level", logLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return pruneEnded(gctx, svc, retention)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		// Ending the streams releases websocket subscribers and makes
		// running ingests return.
		if err := repo.Close(); err != nil {
			log.Warn("closing streams", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete, closing connections", "error", err)
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

// pruneEnded drops ended streams once they are older than retention. A
// retention <= 0 keeps them until shutdown.
func pruneEnded(ctx context.Context, svc *relay.Service, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(max(retention/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			svc.PruneEnded(retention)
		}
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
