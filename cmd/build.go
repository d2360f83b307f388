package cmd

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/shopcrawl/internal/config"
	"github.com/JakeFAU/shopcrawl/internal/crawler"
	"github.com/JakeFAU/shopcrawl/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/shopcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/shopcrawl/internal/fetcher/headless"
	"github.com/JakeFAU/shopcrawl/internal/headless/detector"
	"github.com/JakeFAU/shopcrawl/internal/policy/ratelimit"
	"github.com/JakeFAU/shopcrawl/internal/router"
	"github.com/JakeFAU/shopcrawl/internal/worker"
)

// buildRenderer selects the fetch engine named by fetch.mode. The returned
// func releases browser resources.
func buildRenderer(cfg config.FetchConfig, logger *zap.Logger) (crawler.Renderer, func(), error) {
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.Timeout,
		RespectRobots: cfg.RespectRobots,
	})
	if cfg.Mode == config.FetchHTTP {
		return static, func() {}, nil
	}

	browser, err := headless.NewChromedp(headless.Config{
		MaxParallel:       cfg.HeadlessMaxParallel,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init headless renderer: %w", err)
	}
	if cfg.Mode == config.FetchHeadless {
		return browser, browser.Close, nil
	}
	det := detector.NewHeuristic(cfg.PromotionThreshold)
	return auto.New(static, browser, det, logger.Named("auto")), browser.Close, nil
}

// buildWorker assembles one worker against queue. Records go to emitter.
func buildWorker(
	cfg config.Config,
	queue crawler.Queue,
	emitter worker.Emitter,
	index int,
	logger *zap.Logger,
	opts ...worker.Option,
) (*worker.Worker, func(), error) {
	renderer, cleanup, err := buildRenderer(cfg.Fetch, logger)
	if err != nil {
		return nil, nil, err
	}
	classifier := router.New(
		router.WithMaxPaginationDepth(cfg.Crawler.MaxPaginationDepth),
		router.WithLogger(logger.Named("router")),
	)
	opts = append([]worker.Option{
		worker.WithRateLimiter(ratelimit.New(ratelimit.Config{
			RPS:   cfg.Crawler.RateLimitRPS,
			Burst: cfg.Crawler.RateLimitBurst,
		})),
		worker.WithRetryPolicy(crawler.NewRetryPolicy(
			cfg.Crawler.MaxRetries,
			cfg.Crawler.RetryBackoffInitial,
			cfg.Crawler.RetryBackoffMax,
		)),
	}, opts...)

	w := worker.New(queue, renderer, classifier, emitter, worker.Config{
		ID:            fmt.Sprintf("worker-%d-%d", index, os.Getpid()),
		Concurrency:   cfg.Crawler.Concurrency,
		LeaseDuration: cfg.Crawler.LeaseDuration,
		PollInterval:  cfg.Crawler.PollInterval,
		PollMax:       cfg.Crawler.PollMax,
	}, logger, opts...)
	return w, cleanup, nil
}
