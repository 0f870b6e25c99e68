package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live-relay/internal/chat"
	"github.com/weiawesome/wes-io-live-relay/internal/config"
	"github.com/weiawesome/wes-io-live-relay/internal/directory"
	"github.com/weiawesome/wes-io-live-relay/internal/events"
	"github.com/weiawesome/wes-io-live-relay/internal/handler"
	"github.com/weiawesome/wes-io-live-relay/internal/hub"
	"github.com/weiawesome/wes-io-live-relay/internal/metrics"
	"github.com/weiawesome/wes-io-live-relay/internal/moderation"
	"github.com/weiawesome/wes-io-live-relay/internal/registry"
	"github.com/weiawesome/wes-io-live-relay/internal/service"
	"github.com/weiawesome/wes-io-live-relay/internal/transcript"
	"github.com/weiawesome/wes-io-live-relay/internal/userclient"
	pkgconfig "github.com/weiawesome/wes-io-live-relay/pkg/config"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
	"github.com/weiawesome/wes-io-live-relay/pkg/pubsub"
	"github.com/weiawesome/wes-io-live-relay/pkg/storage"
)

func main() {
	if err := pkgconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relay",
	})
	logger := pkglog.L()

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped with error")
	}
	logger.Info().Msg("relay stopped")
}

func run(cfg *config.Config) error {
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	advertise := cfg.Server.AdvertiseAddress
	if advertise == "" {
		advertise = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	opts := []service.Option{
		service.WithRoomReaper(cfg.Room.IdleTTL, cfg.Room.ReapInterval),
	}

	if cfg.PubSub.Enabled {
		bus, err := pubsub.NewPubSub(cfg.PubSub)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
		defer bus.Close()
		opts = append(opts, service.WithEvents(events.NewPublisher(bus, advertise)))
		logger.Info().Str("driver", cfg.PubSub.Driver).Msg("room events enabled")
	}

	if cfg.Kafka.Enabled {
		producer, err := events.NewConfluentProducer(ctx, events.ProducerConfig{
			Brokers:    cfg.Kafka.Brokers,
			Topic:      cfg.Kafka.Topic,
			Partitions: cfg.Kafka.Partitions,
			Instance:   advertise,
		})
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		opts = append(opts, service.WithProducer(producer))
		logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("chat stream enabled")
	}

	if cfg.Redis.Enabled {
		dir, err := directory.NewRedisDirectory(cfg.Redis, advertise)
		if err != nil {
			return fmt.Errorf("room directory: %w", err)
		}
		opts = append(opts, service.WithDirectory(dir))
		logger.Info().Str("address", cfg.Redis.Address).Msg("room directory enabled")
	}

	if cfg.Transcript.Enabled {
		store, err := storage.New(ctx, cfg.Transcript.Config)
		if err != nil {
			return fmt.Errorf("transcript storage: %w", err)
		}
		opts = append(opts, service.WithArchiver(transcript.NewArchiver(store, cfg.Transcript.URLExpiry)))
		logger.Info().Str("driver", cfg.Transcript.Driver).Msg("transcripts enabled")
	}

	users := userclient.New(cfg.User.BaseURL, cfg.User.CacheTTL, cfg.User.Timeout)

	svc := service.NewRelayService(
		registry.New(cfg.Room.HistoryCapacity),
		chat.NewGuard(cfg.Chat.Cooldown, cfg.Chat.DedupWindow),
		moderation.NewStore(),
		opts...,
	)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start relay service: %w", err)
	}
	defer svc.Stop()

	h := hub.NewHub(cfg.WebSocket, cfg.Polling)
	h.SetDisconnectHandler(func(c hub.Conn) {
		svc.HandleDisconnect(context.Background(), c)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.NewRouter(cfg, h, svc, users, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           pkglog.HTTPMiddleware(logger, "/metrics")(metrics.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("addr", metricsServer.Addr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("relay server forced to shut down")
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("metrics server forced to shut down")
			}
		}
		h.CloseAll()
		return nil
	})

	return g.Wait()
}
