package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/veilchat/veil/config"
	"github.com/veilchat/veil/relay"
	"github.com/veilchat/veil/relay/backend"
	"github.com/veilchat/veil/relay/backend/pgstore"
	"github.com/veilchat/veil/relay/backend/redisq"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("VEIL_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	queue := buildQueue(cfg)
	groups := buildGroupStore(cfg)

	srv, err := relay.New(relay.Config{
		RateLimitPerSec:    cfg.Relay.RateLimitPerSec,
		MessageTTL:         cfg.Relay.MessageTTL.Std(),
		MaxAttachmentBytes: cfg.Relay.MaxAttachmentBytes,
		AttachmentDir:      cfg.Relay.AttachmentDir,
	}, queue, groups)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build relay server")
	}
	srv.Start()
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot reload of the runtime tunables.
	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(updated *config.Config) {
				srv.SetRateLimit(updated.Relay.RateLimitPerSec)
				srv.SetMaxAttachmentBytes(updated.Relay.MaxAttachmentBytes)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Warn("config watcher stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    cfg.Relay.Addr,
		Handler: srv.Router(),
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"addr": cfg.Relay.Addr,
		}).Info("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("shutdown incomplete")
	}
}

// buildQueue probes Redis once at startup; the relay runs on the in-memory
// queue when Redis is absent or unreachable.
func buildQueue(cfg *config.Config) backend.Queue {
	if cfg.Relay.RedisURL == "" {
		logrus.Info("no redis configured, using in-memory message queue")
		return backend.NewMemory(cfg.Relay.MessageTTL.Std(), 0)
	}

	opts, err := redis.ParseURL(cfg.Relay.RedisURL)
	if err != nil {
		logrus.WithError(err).Warn("invalid redis url, falling back to in-memory queue")
		return backend.NewMemory(cfg.Relay.MessageTTL.Std(), 0)
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Warn("redis unreachable, falling back to in-memory queue")
		return backend.NewMemory(cfg.Relay.MessageTTL.Std(), 0)
	}

	logrus.Info("using redis message queue")
	return redisq.New(rdb, cfg.Relay.MessageTTL.Std())
}

// buildGroupStore connects Postgres when configured, otherwise keeps group
// state in memory.
func buildGroupStore(cfg *config.Config) backend.GroupStore {
	if cfg.Relay.PostgresURL == "" {
		logrus.Info("no postgres configured, using in-memory group store")
		return backend.NewMemoryGroupStore()
	}

	store, err := pgstore.Open(cfg.Relay.PostgresURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to postgres")
	}

	logrus.Info("using postgres group store")
	return store
}
