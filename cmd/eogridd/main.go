package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/atlaseo/eogrid/internal/cache"
	"github.com/atlaseo/eogrid/internal/catalog"
	"github.com/atlaseo/eogrid/internal/config"
	"github.com/atlaseo/eogrid/internal/discovery"
	"github.com/atlaseo/eogrid/internal/invalidation/kafkaconsumer"
	"github.com/atlaseo/eogrid/internal/logger"
	"github.com/atlaseo/eogrid/internal/metrics"
	"github.com/atlaseo/eogrid/internal/server"
	"github.com/atlaseo/eogrid/internal/storage"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "eogridd",
	}, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("bucket", cfg.S3.Bucket).
		Str("catalog_root", cfg.CatalogRoot).
		Msg("starting eogridd")

	p := metrics.Init(metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	})
	obs := metrics.New(p)
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = p.Handler()
	}

	store, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		Endpoint:        cfg.S3.Endpoint,
		PathStyle:       cfg.S3.PathStyle,
		Anonymous:       cfg.S3.Anonymous,
		AccessKeyID:     cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey,
		SessionToken:    cfg.S3.SessionToken,
	})
	if err != nil {
		log.Error().Err(err).Msg("object store setup failed")
		return 1
	}

	var tier cache.Interface
	if cfg.RedisAddr != "" {
		tier, err = cache.NewRedis(ctx, cfg.RedisAddr,
			cache.WithReadTimeout(cfg.CacheOpTimeout),
			cache.WithWriteTimeout(cfg.CacheOpTimeout),
			cache.WithMetrics(obs),
		)
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.RedisAddr).Msg("redis setup failed")
			return 1
		}
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-process listing cache")
		tier = cache.NewMemory()
	}
	defer func() { _ = tier.Close() }()

	cat := cache.NewCatalog(catalog.NewReader(store, cfg.CatalogRoot), tier,
		cache.WithTTL(cfg.CacheTTLDefault),
		cache.WithTTLOverrides(cfg.CacheTTLOvr),
		cache.WithDescriptorCapacity(cfg.DescriptorCap),
		cache.WithLogger(log),
	)

	// The discovery index is built once from the catalog walk at startup.
	// Invalidation events refresh listings but not the index; collection
	// footprints change only on redeploys.
	cols, err := cat.Collections(ctx)
	if err != nil {
		log.Error().Err(err).Msg("catalog walk failed")
		return 1
	}
	index, err := discovery.NewIndex(cols, cfg.DiscoveryH3Res)
	if err != nil {
		log.Error().Err(err).Msg("discovery index setup failed")
		return 1
	}
	log.Info().Int("collections", len(cols)).Int("h3_res", cfg.DiscoveryH3Res).Msg("discovery index ready")

	if cfg.Invalidation.Enabled {
		consumer := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers: cfg.Invalidation.Brokers,
			Topic:   cfg.Invalidation.Topic,
			GroupID: cfg.Invalidation.GroupID,
		}, log, cat, obs)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("invalidation consumer stopped")
			}
		}()
	}

	srv := server.New(server.Deps{
		Log:              log,
		Catalog:          cat,
		Tier:             tier,
		Index:            index,
		Obs:              obs,
		MetricsHandler:   metricsHandler,
		DiscoveryTTL:     cfg.CacheTTLDefault,
		AlignWorkers:     cfg.AlignWorkers,
		CoarsenThreshold: cfg.CoarsenThreshold,
	})
	if err := server.Run(ctx, cfg.Addr, srv.Routes(), log); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return 1
	}
	log.Info().Msg("server stopped")
	return 0
}
