// Command s3proxy starts the reverse proxy: it loads the YAML
// configuration, wires the tiered cache, request coalescer, rate
// limiter, resource monitor, per-bucket replica sets, and the HTTP
// router, then serves until an interrupt or terminate signal triggers
// a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sbaradwaj/s3proxy/internal/authn"
	"github.com/sbaradwaj/s3proxy/internal/authz"
	"github.com/sbaradwaj/s3proxy/internal/cache"
	"github.com/sbaradwaj/s3proxy/internal/cache/disk"
	"github.com/sbaradwaj/s3proxy/internal/cache/memory"
	"github.com/sbaradwaj/s3proxy/internal/cache/remote"
	"github.com/sbaradwaj/s3proxy/internal/circuitbreaker"
	"github.com/sbaradwaj/s3proxy/internal/coalescer"
	"github.com/sbaradwaj/s3proxy/internal/config"
	"github.com/sbaradwaj/s3proxy/internal/ipfilter"
	"github.com/sbaradwaj/s3proxy/internal/logger"
	"github.com/sbaradwaj/s3proxy/internal/observability"
	"github.com/sbaradwaj/s3proxy/internal/proxyhandler"
	"github.com/sbaradwaj/s3proxy/internal/ratelimit"
	"github.com/sbaradwaj/s3proxy/internal/replica"
	"github.com/sbaradwaj/s3proxy/internal/resource"
	"github.com/sbaradwaj/s3proxy/internal/retry"
	"github.com/sbaradwaj/s3proxy/internal/router"
	"github.com/sbaradwaj/s3proxy/internal/security"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	log.Info().Str("config", *configPath).Msg("configuration loaded")

	cacheLayers := buildCacheLayers(cfg, log)
	tiered := cache.New(log, cacheLayers...)

	var closers []func()
	for _, layer := range cacheLayers {
		if c, ok := layer.(interface{ Close() error }); ok {
			closers = append(closers, func() { _ = c.Close() })
		}
	}

	bucketNames := make([]string, 0, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		bucketNames = append(bucketNames, b.Name)
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.Config{Capacity: cfg.Server.RateLimitGlobalCapacity, RefillPerSec: cfg.Server.RateLimitGlobalRefillPerSec},
		ratelimit.Config{Capacity: cfg.Server.RateLimitBucketCapacity, RefillPerSec: cfg.Server.RateLimitBucketRefillPerSec},
		ratelimit.Config{Capacity: cfg.Server.RateLimitIPCapacity, RefillPerSec: cfg.Server.RateLimitIPRefillPerSec},
		bucketNames,
		cfg.Server.RateLimitMaxIPEntries,
	)

	secLimits := security.Limits{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		MaxURILength:   cfg.Server.MaxURILength,
	}

	fdLimit := cfg.Server.FDLimit
	if fdLimit == 0 {
		fdLimit = resource.ULimitFDs(4096)
	}
	memLimit := cfg.Server.MemoryLimitBytes
	if memLimit == 0 {
		memLimit = 1 << 30 // 1 GiB default ceiling for the degradation ladder
	}
	metrics := observability.New()

	resMonitor := resource.New(fdLimit, memLimit)
	resMonitor.OnTransition(func(level resource.Level, fdPct, memPct float64) {
		metrics.ResourceLevel.Set(float64(level))
		if level >= resource.Warning {
			log.Warn().Str("level", level.String()).Float64("fd_pct", fdPct).Float64("mem_pct", memPct).Msg("resource pressure")
		}
	})
	sampler := resource.NewSampler(resMonitor, log, cfg.Server.ResourceSampleEvery)
	sampler.Start()
	defer sampler.Stop()

	authenticator := authn.New(authn.Config{
		Enabled:  cfg.JWT.Enabled,
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})
	authzDecider := authz.NewClaimMatchDecider(cfg.Buckets)

	coal := coalescer.New(runtime.NumCPU() * 4)

	shared := proxyhandler.Shared{
		Cache:     tiered,
		Coalescer: coal,
		Limiter:   limiter,
		Security:  secLimits,
		Resource:  resMonitor,
		Metrics:   metrics,
		Logger:    log,
	}

	routes := make([]router.BucketRoute, 0, len(cfg.Buckets))
	sets := make(map[string]*replica.Set, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		set, creds := buildReplicaSet(b, log)
		sets[b.Name] = set
		closers = append(closers, set.Close)

		ipf, err := buildIPFilter(b.IPFilter)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", b.Name).Msg("invalid ip_filter configuration")
		}

		h := proxyhandler.New(shared, proxyhandler.Config{
			BucketName:    b.Name,
			PathPrefix:    b.PathPrefix,
			Replicas:      set,
			Credentials:   creds,
			IPFilter:      ipf,
			AuthRequired:  b.Auth.Required,
			Authenticator: authenticator,
			DefaultTTL:    b.Cache.DefaultTTL,
		})
		routes = append(routes, router.BucketRoute{Name: b.Name, PathPrefix: b.PathPrefix, Handler: h})
	}

	handler := router.NewRouter(routes, router.Deps{
		Logger:        log,
		Metrics:       metrics,
		Resource:      resMonitor,
		Cache:         tiered,
		Authenticator: authenticator,
		Authz:         authzDecider,
		Version:       version,
		StartedAt:     time.Now(),
		Backends: func() map[string]map[string]string {
			out := make(map[string]map[string]string, len(sets))
			for name, set := range sets {
				out[name] = set.HealthSnapshot()
			}
			return out
		},
	})

	server := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        handler,
		MaxHeaderBytes: int(cfg.Server.MaxHeaderBytes),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	for _, closeFn := range closers {
		closeFn()
	}
}

func buildCacheLayers(cfg *config.Config, log zerolog.Logger) []cache.Layer {
	layers := []cache.Layer{memory.New(memory.Config{
		ShardCount:   cfg.Cache.MemoryShardCount,
		MaxBytes:     cfg.Cache.MemoryMaxBytes,
		MaxItemBytes: cfg.Cache.MemoryMaxItemBytes,
	})}

	if cfg.Cache.DiskEnabled {
		diskLayer, err := disk.Open(disk.Config{Dir: cfg.Cache.DiskDir, MaxBytes: cfg.Cache.DiskMaxBytes})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open disk cache layer")
		}
		layers = append(layers, diskLayer)
	}

	if cfg.Cache.RemoteEnabled {
		remoteLayer, err := remote.New(remote.Config{URL: cfg.Cache.RemoteURL, KeyPrefix: cfg.Cache.RemoteKeyPrefix})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect remote cache layer")
		}
		layers = append(layers, remoteLayer)
	}

	return layers
}

func buildReplicaSet(b config.BucketConfig, log zerolog.Logger) (*replica.Set, map[string]proxyhandler.Credentials) {
	cfgs := make([]replica.Config, 0, len(b.S3.Replicas))
	creds := make(map[string]proxyhandler.Credentials, len(b.S3.Replicas))
	retryPolicy := retry.Policy{
		MaxAttempts:    b.S3.Retry.MaxAttempts,
		InitialBackoff: b.S3.Retry.InitialBackoff,
		MaxBackoff:     b.S3.Retry.MaxBackoff,
	}
	for _, r := range b.S3.Replicas {
		cfgs = append(cfgs, replica.Config{
			Name:     r.Name,
			Bucket:   b.Name,
			Region:   r.Region,
			Endpoint: r.Endpoint,
			Priority: r.Priority,
			Timeout:  r.Timeout,
			Breaker: circuitbreaker.Config{
				FailureThreshold:    r.FailureThreshold,
				SuccessThreshold:    r.SuccessThreshold,
				ResetTimeout:        r.ResetTimeout,
				HalfOpenMaxInFlight: r.HalfOpenMaxInFlight,
			},
			RetryPolicy: retryPolicy,
		})
		creds[r.Name] = proxyhandler.Credentials{
			AccessKey: r.AccessKey,
			SecretKey: r.SecretKey,
			Region:    r.Region,
			Service:   "s3",
		}
	}
	set := replica.New(b.Name, cfgs, replica.DefaultPoolConfig(), log)
	return set, creds
}

func buildIPFilter(cfg config.IPFilterConfig) (*ipfilter.Filter, error) {
	if len(cfg.Allowlist) == 0 && len(cfg.Blocklist) == 0 {
		return ipfilter.AllowAll(), nil
	}
	return ipfilter.New(ipfilter.Config{Allowlist: cfg.Allowlist, Blocklist: cfg.Blocklist})
}
