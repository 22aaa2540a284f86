package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/shop-backup/internal/config"
	"github.com/Sternrassler/shop-backup/pkg/bulk"
	"github.com/Sternrassler/shop-backup/pkg/client"
	"github.com/Sternrassler/shop-backup/pkg/clock"
	"github.com/Sternrassler/shop-backup/pkg/logging"
	"github.com/Sternrassler/shop-backup/pkg/metrics"
	"github.com/Sternrassler/shop-backup/pkg/pagination"
	"github.com/Sternrassler/shop-backup/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run is main without the process exit, returning the exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("shop-backup", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	resourcesFlag := fs.String("resources", "", "comma separated resources to export (overrides config)")
	outDir := fs.String("out", "", "output directory (overrides config)")
	metricsFile := fs.String("metrics-file", "", "write a Prometheus textfile here after the run (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *resourcesFlag != "" {
		cfg.Resources = config.SplitList(*resourcesFlag)
	}
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	if *metricsFile != "" {
		cfg.MetricsFile = *metricsFile
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	runID := uuid.NewString()
	logger := logging.ForRun(runID, client.ShopDomain(cfg.Shop))

	targets, err := lookupResources(cfg.Resources)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid resource selection")
		return 2
	}

	b, closeFn, err := newBackup(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialise backup")
		return 1
	}
	defer closeFn()

	logger.Info().
		Strs("resources", cfg.Resources).
		Str("output_dir", cfg.OutputDir).
		Msg("Starting backup")

	results, err := b.run(ctx, targets)
	printSummary(stdout, results)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to write metrics")
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("Backup finished with failures")
		return 1
	}
	logger.Info().Msg("Backup complete")
	return 0
}

// newBackup wires the client stack from cfg.
func newBackup(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backup, func(), error) {
	shop := client.ShopDomain(cfg.Shop)
	clk := clock.Real{}
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var (
		store ratelimit.Store = ratelimit.NewMemoryStore(cfg.RateLimit.MinInterval)
		lock  bulk.JobLock
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { redisClient.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info().Str("redis", cfg.Redis.Addr).Msg("Sharing rate limit and job lock through Redis")

		store = ratelimit.NewRedisStore(redisClient, shop, cfg.RateLimit.MinInterval)
		lock = bulk.NewRedisJobLock(redisClient, shop, cfg.Bulk.PollTimeout+5*time.Minute)
	}

	limiter := ratelimit.NewLimiter(store, clk, logging.NewLogger("ratelimit"))

	clientCfg := client.DefaultConfig(cfg.Shop, cfg.AccessToken)
	clientCfg.APIVersion = cfg.APIVersion
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.Limiter = limiter
	shopClient, err := client.New(clientCfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { shopClient.Close() })

	exec := client.NewExecutor(limiter, clk, logging.NewLogger("executor"))

	policy := client.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Retry.MaxRetries

	pagerCfg := pagination.DefaultConfig()
	pagerCfg.Policy = policy

	return &backup{
		orch: bulk.NewOrchestrator(shopClient, client.NewDownloadClient(cfg.Bulk.DownloadHeaderTimeout), exec, bulk.Config{
			Policy: policy,
			Clock:  clk,
			Lock:   lock,
		}),
		pager: pagination.New(exec, pagerCfg),
		rest:  shopClient,
		poll: bulk.PollOptions{
			Interval: cfg.Bulk.PollInterval,
			Timeout:  cfg.Bulk.PollTimeout,
		},
		outDir: cfg.OutputDir,
		logger: log.Logger,
	}, closeAll, nil
}

func printSummary(w io.Writer, results []result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tRECORDS\tDURATION\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "FAILED: " + r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", r.Resource, r.Records, r.Duration.Round(time.Millisecond), status)
	}
	tw.Flush()
}
