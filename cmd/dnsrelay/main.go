// Command dnsrelay runs the resilient recursive DNS caching proxy: a UDP/TCP
// front door backed by a stale-serving cache, a singleflight-coordinated
// upstream (UDP, TCP, or HTTP batch relay), and a background stale-ahead
// refresh engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dnsrelay/pkg/cache"
	"dnsrelay/pkg/config"
	"dnsrelay/pkg/handler"
	"dnsrelay/pkg/listener"
	"dnsrelay/pkg/logging"
	"dnsrelay/pkg/metrics"
	"dnsrelay/pkg/metricsserver"
	"dnsrelay/pkg/refresh"
	"dnsrelay/pkg/singleflight"
	"dnsrelay/pkg/upstream"
)

var (
	configPath = flag.String("config", "", "Path to YAML configuration file")

	listenHost = flag.String("listen-host", "", "Override listen_host")
	listenPort = flag.Int("listen-port", 0, "Override listen_port")

	maxInflight = flag.Int("max-inflight", 0, "Override max_inflight")

	metricsHost = flag.String("metrics-host", "", "Override metrics_host")
	metricsPort = flag.Int("metrics-port", 0, "Override metrics_port")

	upstreamTransport = flag.String("upstream-transport", "", "Override upstream_transport (udp, tcp, relay)")
	upstreamHost      = flag.String("upstream-host", "", "Override upstream_host")
	upstreamPort      = flag.Int("upstream-port", 0, "Override upstream_port")
	upstreamTimeout   = flag.Duration("upstream-timeout", 0, "Override upstream_timeout")

	serveStaleMax = flag.Duration("serve-stale-max", -1, "Override serve_stale_max")
	negativeTTL   = flag.Duration("negative-ttl", -1, "Override negative_ttl")

	refreshEnabled             = flag.Bool("refresh-enabled", false, "Enable the background refresh engine")
	refreshAheadSeconds        = flag.Int("refresh-ahead-seconds", 0, "Override refresh.ahead_seconds")
	refreshPopularityThreshold = flag.Int("refresh-popularity-threshold", 0, "Override refresh.popularity_threshold")
	refreshTickMs              = flag.Int("refresh-tick-ms", 0, "Override refresh.tick_ms")
	refreshBatchSize           = flag.Int("refresh-batch-size", 0, "Override refresh.batch_size")
	refreshConcurrency         = flag.Int("refresh-concurrency", 0, "Override refresh.concurrency")
	refreshQueueMax            = flag.Int("refresh-queue-max", 0, "Override refresh.queue_max")

	relayBaseURL = flag.String("relay-base-url", "", "Override relay.base_url")
	relayToken   = flag.String("relay-auth-token", "", "Override relay.auth_token")

	verbose = flag.Bool("v", false, "Verbose (debug-level) logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnsrelay: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dnsrelay: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dnsrelay: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dnsrelay exiting with error", "error", err)
		os.Exit(1)
	}
}

// applyFlagOverrides layers explicitly-set CLI flags on top of the loaded
// YAML config, matching the flag-over-file precedence the CLI surface
// promises. flag.Visit only calls back for flags the user actually set, so
// an unset flag never clobbers a value the file (or Defaults) already set.
func applyFlagOverrides(cfg *config.Config) {
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-host":
			cfg.ListenHost = *listenHost
		case "listen-port":
			cfg.ListenPort = *listenPort
		case "max-inflight":
			cfg.MaxInflight = *maxInflight
		case "metrics-host":
			cfg.MetricsHost = *metricsHost
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "upstream-transport":
			cfg.UpstreamTransport = *upstreamTransport
		case "upstream-host":
			cfg.UpstreamHost = *upstreamHost
		case "upstream-port":
			cfg.UpstreamPort = *upstreamPort
		case "upstream-timeout":
			cfg.UpstreamTimeout = *upstreamTimeout
		case "serve-stale-max":
			cfg.ServeStaleMax = *serveStaleMax
		case "negative-ttl":
			cfg.NegativeTTL = *negativeTTL
		case "refresh-enabled":
			cfg.Refresh.Enabled = *refreshEnabled
		case "refresh-ahead-seconds":
			cfg.Refresh.AheadSeconds = *refreshAheadSeconds
		case "refresh-popularity-threshold":
			cfg.Refresh.PopularityThreshold = *refreshPopularityThreshold
		case "refresh-tick-ms":
			cfg.Refresh.TickMs = *refreshTickMs
		case "refresh-batch-size":
			cfg.Refresh.BatchSize = *refreshBatchSize
		case "refresh-concurrency":
			cfg.Refresh.Concurrency = *refreshConcurrency
		case "refresh-queue-max":
			cfg.Refresh.QueueMax = *refreshQueueMax
		case "relay-base-url":
			cfg.Relay.BaseURL = *relayBaseURL
		case "relay-auth-token":
			cfg.Relay.AuthToken = *relayToken
		}
	})
}

// run wires every component in dependency order and blocks until a shutdown
// signal or a fatal startup error.
func run(cfg *config.Config, logger *logging.Logger) error {
	reg := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cache.New(cfg.CacheMaxEntries, cfg.NegativeTTL, cfg.ServeStaleMax, reg, logger)

	transport, closeTransport, err := buildTransport(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	if closeTransport != nil {
		defer closeTransport()
	}

	foreground := singleflight.New(reg)
	refreshFlight := singleflight.New(reg)

	h := handler.New(c, transport, foreground, refreshFlight, cfg.UpstreamTimeout, cfg.UpstreamTimeout, reg, logger)

	var engine *refresh.Engine
	if cfg.Refresh.Enabled {
		engine = refresh.New(c, h, refresh.Config{
			AheadSeconds:           cfg.Refresh.AheadSeconds,
			PopularityThreshold:    cfg.Refresh.PopularityThreshold,
			PopularityDecaySeconds: cfg.Refresh.PopularityDecaySeconds,
			TickMs:                 cfg.Refresh.TickMs,
			BatchSize:              cfg.Refresh.BatchSize,
			Concurrency:            cfg.Refresh.Concurrency,
			QueueMax:               cfg.Refresh.QueueMax,
		}, reg, logger)
		h.Refresher = engine

		if cfg.Refresh.WarmupEnabled {
			items, invalid, err := refresh.LoadWarmupFile(cfg.Refresh.WarmupFile, cfg.Refresh.WarmupLimit)
			if err != nil {
				logger.Error("failed to load warmup file", "path", cfg.Refresh.WarmupFile, "error", err)
			} else {
				engine.WarmupInvalidLines(invalid)
				engine.Warmup(items)
			}
		}

		engine.Start(ctx)
		defer engine.Wait()
	}

	limiter := listener.NewInflightLimiter(cfg.MaxInflight)

	udpListener, err := listener.NewUDP(cfg.ListenHost, cfg.ListenPort, h, limiter, cfg.MaxUDPPayload, reg, logger)
	if err != nil {
		return fmt.Errorf("dnsrelay: start udp listener: %w", err)
	}
	defer udpListener.Close()

	tcpListener, err := listener.NewTCP(cfg.ListenHost, cfg.ListenPort, h, limiter, cfg.MaxMessageSize,
		cfg.TCPListenReadTimeout, cfg.TCPListenIdleTimeout, reg, logger)
	if err != nil {
		return fmt.Errorf("dnsrelay: start tcp listener: %w", err)
	}
	defer tcpListener.Close()

	var metricsSrv *metricsserver.Server
	if cfg.MetricsPort != 0 {
		metricsSrv = metricsserver.New(cfg.MetricsHost, cfg.MetricsPort, reg, logger)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	reporter := metricsserver.NewPeriodicReporter(reg, logger, 30*time.Second)
	go reporter.Run(ctx)

	watcher, err := config.NewWatcher(*configPath)
	if err == nil {
		watcher.OnChange(func(_, next *config.Config) {
			logger.Info("configuration reloaded", "path", *configPath)
		})
		go func() {
			if err := watcher.Run(ctx, logger); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
		defer watcher.Close()
	} else if *configPath != "" {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := udpListener.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("udp listener: %w", err)
		}
	}()
	go func() {
		if err := tcpListener.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Info("dnsrelay listening",
		"listen", fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		"upstream_transport", cfg.UpstreamTransport,
	)

	for {
		select {
		case <-hup:
			c.Clear()
			logger.Info("cache cleared on SIGHUP")

		case err := <-errCh:
			stop()
			return err

		case <-ctx.Done():
			logger.Info("shutting down")
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		}
	}
}

// buildTransport constructs the configured upstream transport and, for the
// relay transport, runs the negotiated-limits startup check before
// returning. The returned close func (nil for udp/tcp) releases pooled
// connections on shutdown.
func buildTransport(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *logging.Logger) (upstream.Transport, func(), error) {
	switch cfg.UpstreamTransport {
	case "udp":
		return upstream.NewUDP(cfg.UpstreamHost, cfg.UpstreamPort, cfg.UpstreamTimeout, cfg.UDPMaxWorkers, reg, logger), nil, nil

	case "tcp":
		t := upstream.NewTCP(cfg.UpstreamHost, cfg.UpstreamPort, cfg.UpstreamTimeout, cfg.TCPPoolMaxConns, cfg.TCPPoolIdleTimeout, reg, logger)
		return t, func() { _ = t.Close() }, nil

	case "relay":
		client := &http.Client{Timeout: cfg.UpstreamTimeout}
		if cfg.Relay.StartupCheck != "off" {
			checkCtx, cancel := context.WithTimeout(ctx, cfg.UpstreamTimeout)
			err := upstream.CheckRelayStartup(checkCtx, cfg.Relay, client)
			cancel()
			if err != nil {
				if cfg.Relay.StartupCheck == "require" {
					return nil, nil, fmt.Errorf("dnsrelay: relay startup check: %w", err)
				}
				logger.Warn("relay startup check failed; continuing anyway", "error", err)
			}
		}
		return upstream.NewRelay(cfg.Relay, cfg.UpstreamTimeout, reg, logger), nil, nil

	default:
		return nil, nil, fmt.Errorf("dnsrelay: unknown upstream_transport %q", cfg.UpstreamTransport)
	}
}
