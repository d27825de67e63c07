package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/net/netutil"

	"github.com/proofcaptcha/proofcaptcha/pkg/analytics"
	"github.com/proofcaptcha/proofcaptcha/pkg/api"
	"github.com/proofcaptcha/proofcaptcha/pkg/common"
	"github.com/proofcaptcha/proofcaptcha/pkg/config"
	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
	"github.com/proofcaptcha/proofcaptcha/pkg/monitoring"
	"github.com/proofcaptcha/proofcaptcha/pkg/ratelimit"
	"github.com/proofcaptcha/proofcaptcha/pkg/risk"
	"github.com/proofcaptcha/proofcaptcha/pkg/session"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

const (
	_readinessDrainDelay = 1 * time.Second
	_shutdownPeriod      = 10 * time.Second
	_maxConnections      = 10_000

	verifyFlushInterval    = 2 * time.Second
	analyticsFlushInterval = 5 * time.Second
	purgeMinInterval       = 30 * time.Second
	purgeMaxInterval       = 5 * time.Minute
	purgeChunkSize         = 1_000
)

var (
	GitCommit   string
	envFileFlag = flag.String("env", "", "Path to .env file or empty")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func listenAddress(cfg common.ConfigStore) string {
	host := cfg.Get(common.HostKey).Value()
	if host == "" {
		host = "localhost"
	}

	port := cfg.Get(common.PortKey).Value()
	if port == "" {
		port = "8080"
	}

	return net.JoinHostPort(host, port)
}

func connectStore(ctx context.Context, cfg common.ConfigStore) (store.Store, func(), error) {
	dsn := cfg.Get(common.PostgresKey).Value()
	if len(dsn) == 0 {
		slog.WarnContext(ctx, "PC_POSTGRES is not set, using in-memory storage")
		return store.NewMemory(), func() {}, nil
	}

	postgres, err := store.ConnectPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	return postgres, postgres.Close, nil
}

func verifyLogSink(ctx context.Context, cfg common.ConfigStore, verbose bool) *analytics.VerifyLogSink {
	opts := analytics.ClickHouseConnectOpts{
		Host:     cfg.Get(common.ClickHouseHostKey).Value(),
		Database: cfg.Get(common.ClickHouseDBKey).Value(),
		User:     cfg.Get(common.ClickHouseUserKey).Value(),
		Password: cfg.Get(common.ClickHousePasswordKey).Value(),
		Verbose:  verbose,
	}

	if opts.Empty() {
		slog.WarnContext(ctx, "ClickHouse is not configured, verification time series disabled")
		return nil
	}

	sink := analytics.NewVerifyLogSink(analytics.ConnectClickHouse(ctx, opts))
	sink.Start(verifyFlushInterval)
	return sink
}

func run(ctx context.Context, cfg common.ConfigStore, listener net.Listener) error {
	stage := cfg.Get(common.StageKey).Value()
	verbose := config.AsBool(cfg.Get(common.VerboseKey))
	common.SetupLogs(verbose)

	signer, err := keys.NewSignerFromConfig(ctx, cfg)
	if err != nil {
		return err
	}

	backingStore, closeStore, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := monitoring.NewService()

	monitor := monitoring.NewMonitor()
	monitor.Start()
	defer monitor.Shutdown()

	blocklist := ratelimit.NewBlocklist()
	pipeline := risk.NewPipeline(risk.NewVPNDetector(cfg), blocklist)

	aggregator := analytics.NewAggregator(backingStore)
	aggregator.Start(analyticsFlushInterval)
	defer aggregator.Shutdown()

	sink := verifyLogSink(ctx, cfg, verbose)
	if sink != nil {
		defer sink.Shutdown()
	}

	server := &api.Server{
		Stage:      stage,
		Store:      backingStore,
		Signer:     signer,
		Sessions:   session.NewManager(signer),
		Risk:       pipeline,
		Blocklist:  blocklist,
		Monitor:    monitor,
		Metrics:    metrics,
		Aggregator: aggregator,
		VerifyLog:  sink,
	}
	server.Init(cfg)
	defer server.Shutdown()

	router := http.NewServeMux()
	server.Setup(router, verbose)

	purgeCtx, purgeCancel := context.WithCancel(
		context.WithValue(context.Background(), common.TraceIDContextKey, "challenge_purge"))
	defer purgeCancel()
	go common.ChunkedCleanup(purgeCtx, purgeMinInterval, purgeMaxInterval, purgeChunkSize,
		func(ctx context.Context, tnow time.Time, chunk int) int {
			deleted, err := backingStore.PurgeExpiredChallenges(ctx, tnow.UTC(), chunk)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to purge challenges", common.ErrAttr(err))
				return 0
			}
			return deleted
		})

	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "address", listener.Addr().String(), "stage", stage, "commit", GitCommit)
		if err := httpServer.Serve(netutil.LimitListener(listener, _maxConnections)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "Shutting down")
	time.Sleep(_readinessDrainDelay)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down gracefully", common.ErrAttr(err))
		return err
	}

	// last chance for pending rollups to land
	if err := aggregator.Flush(shutdownCtx); err != nil {
		slog.Error("Failed to flush analytics", common.ErrAttr(err))
	}

	return nil
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(GitCommit)
		os.Exit(0)
	}

	if len(*envFileFlag) > 0 {
		if err := godotenv.Load(*envFileFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := config.NewEnvConfig(os.Getenv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", listenAddress(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, listener); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
