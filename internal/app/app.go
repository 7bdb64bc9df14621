package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"corvid/internal/captcha"
	"corvid/internal/config"
	"corvid/internal/domain"
	"corvid/internal/jobs/queue"
	"corvid/internal/jobs/revalidate"
	"corvid/internal/proxy"
	"corvid/internal/ratelimit"
	"corvid/internal/scrape"
	"corvid/internal/storage"
	"corvid/internal/support"
)

// Core holds the wired component graph. Everything is constructor
// injected; nothing here is a package-level singleton, so tests and
// multi-pool setups can build their own graphs the same way.
type Core struct {
	Pool         *proxy.Pool
	Limiter      *ratelimit.Limiter
	Cascade      *captcha.Cascade
	Orchestrator *scrape.Orchestrator
	Ledger       *storage.Ledger

	geo *proxy.GeoEnricher
}

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(log.DebugLevel)

	targetsFlag := flag.String("targets", "", "File with target URLs to fetch, one per line")
	flag.Parse()

	config.ReadSettings()
	cfg := config.GetConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	core.StartBackground(ctx, cfg)

	if *targetsFlag != "" {
		if err := core.FetchTargets(ctx, *targetsFlag); err != nil {
			log.Error("target batch failed", "error", err)
		}
		return core.Shutdown(cfg)
	}

	log.Info("corvid core running", "pool", core.Pool.Stats().Total)
	<-ctx.Done()
	return core.Shutdown(cfg)
}

// Build constructs the component graph from configuration and
// environment.
func Build(ctx context.Context, cfg config.Config) (*Core, error) {
	validator := proxy.NewValidator(cfg.Pool.ProbeURL)
	source := candidateSource()

	pool := proxy.NewPool(proxy.PoolOptions{
		MaxSize:                     cfg.Pool.MaxSize,
		MinSize:                     cfg.Pool.MinSize,
		ConsecutiveFailureThreshold: cfg.Pool.ConsecutiveFailureThreshold,
		RetireFailureCeiling:        cfg.Pool.RetireFailureCeiling,
		ValidationTimeout:           cfg.ValidationTimeout(),
		ValidationBatchSize:         int64(cfg.Pool.ValidationBatchSize),
		Scorer:                      scorerOptions(cfg),
	}, validator, source)

	geo := proxy.NewGeoEnricher(
		support.GetEnv("GEOIP_COUNTRY_DB", ""),
		support.GetEnv("GEOIP_ASN_DB", ""),
	)
	pool.SetGeoEnricher(geo)

	core := &Core{Pool: pool, geo: geo}

	if support.GetEnv("DB_HOST", "") != "" {
		db, err := storage.OpenPostgres()
		if err != nil {
			return nil, err
		}
		ledger, err := storage.NewLedger(db)
		if err != nil {
			return nil, err
		}
		core.Ledger = ledger

		restored, err := ledger.LoadSnapshot(ctx)
		if err != nil {
			log.Error("could not load candidate snapshot", "error", err)
		} else if n := pool.Restore(restored); n > 0 {
			log.Info("pool restored from snapshot", "candidates", n)
		}
	} else {
		log.Warn("DB_HOST not set, running without candidate persistence")
	}

	if pool.NeedsReplenishment() {
		if added, err := pool.Replenish(ctx); err != nil {
			log.Warn("initial replenishment failed", "error", err)
		} else {
			log.Info("pool seeded", "added", added)
		}
	}

	core.Limiter = ratelimit.New(limiterOptions(cfg))
	core.Cascade = buildCascade(cfg)

	orch := scrape.NewOrchestrator(pool, core.Limiter, core.Cascade, scrape.OrchestratorOptions{
		MaxRetries:    cfg.Orchestrator.MaxRetries,
		FetchTimeout:  cfg.FetchTimeout(),
		BackoffBase:   cfg.BackoffBase(),
		RespectRobots: cfg.Orchestrator.RespectRobots,
		UserAgent:     support.GetEnv("SCRAPE_USER_AGENT", "corvid"),
	})
	if cfg.Orchestrator.RespectRobots {
		orch.SetRobotsGuard(scrape.NewRobotsGuard(nil))
	}
	core.Orchestrator = orch

	return core, nil
}

// StartBackground launches the revalidation machinery for the
// lifetime of ctx.
func (c *Core) StartBackground(ctx context.Context, cfg config.Config) {
	if cfg.Revalidation.UseRedisSchedule {
		client, err := support.GetRedisClient()
		if err != nil {
			log.Error("redis unavailable, falling back to local sweeps", "error", err)
		} else {
			schedule := queue.NewRevalidationQueue(client)

			keys := make([]string, 0)
			for _, candidate := range c.Pool.Snapshot() {
				keys = append(keys, candidate.Key())
			}
			if err := schedule.Schedule(ctx, keys, cfg.RevalidationInterval()); err != nil {
				log.Error("could not schedule revalidations", "error", err)
			}

			c.Pool.SetRetireHook(func(key string) {
				if err := schedule.Remove(context.Background(), key); err != nil {
					log.Warn("could not unschedule retired candidate", "proxy", key, "error", err)
				}
			})

			worker := revalidate.NewWorker(c.Pool, schedule, cfg.RevalidationInterval())
			go worker.Start(ctx)
			return
		}
	}

	runner := revalidate.NewRunner(c.Pool, revalidate.Options{
		Interval:   cfg.RevalidationInterval(),
		ActiveOnly: cfg.Revalidation.ActiveOnly,
	})
	go runner.Start(ctx)
}

// FetchTargets runs one fetch per line of the targets file and logs
// the outcomes.
func (c *Core) FetchTargets(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := config.GetConfig()
	for _, line := range strings.Split(string(raw), "\n") {
		target := strings.TrimSpace(line)
		if target == "" || strings.HasPrefix(target, "#") {
			continue
		}

		result := c.Orchestrator.Fetch(ctx, domain.FetchRequest{
			URL:             target,
			MinProxyQuality: cfg.Pool.MinQuality,
		})
		if result.Success {
			log.Info("fetched", "url", target, "status", result.StatusCode,
				"bytes", len(result.Payload), "proxy", result.ProxyUsed)
		} else {
			log.Error("fetch failed", "url", target, "kind", result.Kind,
				"error", result.Error, "retries", result.RetryCount)
		}
	}
	return nil
}

// Shutdown persists the pool and releases resources.
func (c *Core) Shutdown(cfg config.Config) error {
	log.Info("shutting down")

	if c.Ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := c.Ledger.SaveSnapshot(ctx, c.Pool.Snapshot(), c.Pool.Retired()); err != nil {
			log.Error("could not persist pool snapshot", "error", err)
		}
	}

	c.Close()
	return nil
}

func (c *Core) Close() {
	if c.geo != nil {
		c.geo.Close()
	}
	if err := support.CloseRedisClient(); err != nil {
		log.Warn("error closing redis client", "error", err)
	}
}

func buildCascade(cfg config.Config) *captcha.Cascade {
	strategies := []captcha.Strategy{
		captcha.NewClassifier(captcha.DefaultRecognizer),
		captcha.NewOCRSolver(cfg.Captcha.TesseractPath, cfg.Captcha.CharWhitelist),
	}

	apiKey := cfg.Captcha.RemoteAPIKey
	if apiKey == "" {
		apiKey = support.GetEnv("CAPTCHA_API_KEY", "")
	}
	if apiKey != "" {
		strategies = append(strategies, captcha.NewRemoteSolver(captcha.RemoteOptions{
			BaseURL:      cfg.Captcha.RemoteBaseURL,
			APIKey:       apiKey,
			PollInterval: cfg.RemotePollInterval(),
			MaxWait:      cfg.RemoteMaxWait(),
		}))
	} else {
		log.Warn("no captcha api key configured, remote solving disabled")
	}

	return captcha.NewCascade(captcha.CascadeOptions{
		AttemptTimeout: cfg.CaptchaAttemptTimeout(),
	}, strategies...)
}

func scorerOptions(cfg config.Config) proxy.ScorerOptions {
	return proxy.ScorerOptions{
		Weights: proxy.Weights{
			SuccessRate: cfg.Scoring.SuccessRate,
			Latency:     cfg.Scoring.Latency,
			Recency:     cfg.Scoring.Recency,
			Stability:   cfg.Scoring.Stability,
		},
		LatencyCeiling:   time.Duration(cfg.Scoring.LatencyCeilingMs) * time.Millisecond,
		RecencyHalfLife:  time.Duration(cfg.Scoring.RecencyHalfLifeMinutes) * time.Minute,
		StabilityPenalty: cfg.Scoring.StabilityPenaltyPerFailure,
	}
}

func limiterOptions(cfg config.Config) ratelimit.Options {
	overrides := make(map[string]ratelimit.ScopeConfig, len(cfg.RateLimit.Scopes))
	for scope, limit := range cfg.RateLimit.Scopes {
		overrides[scope] = ratelimit.ScopeConfig{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
		}
	}
	return ratelimit.Options{
		Default: ratelimit.ScopeConfig{
			RatePerSecond: cfg.RateLimit.DefaultRatePerSecond,
			Burst:         cfg.RateLimit.DefaultBurst,
		},
		Overrides:      overrides,
		AcquireCeiling: cfg.AcquireCeiling(),
	}
}

// candidateSource assembles the replenishment feed from environment
// configuration: PROXY_SOURCE_URLS is a comma-separated list of
// plaintext list endpoints, PROXY_SOURCE_FILE a local list.
func candidateSource() proxy.CandidateSource {
	sources := make([]proxy.CandidateSource, 0)

	for _, rawURL := range strings.Split(support.GetEnv("PROXY_SOURCE_URLS", ""), ",") {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			continue
		}
		sources = append(sources, &proxy.HTTPSource{URL: rawURL, Protocol: domain.ProtocolHTTP})
	}

	if path := support.GetEnv("PROXY_SOURCE_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn("proxy source file unreadable", "path", path, "error", err)
		} else {
			sources = append(sources, &proxy.StaticSource{
				Candidates: proxy.ParseCandidateList(string(raw), domain.ProtocolHTTP, "file:"+path),
				SourceName: "file",
			})
		}
	}

	switch len(sources) {
	case 0:
		return &proxy.StaticSource{SourceName: "none"}
	case 1:
		return sources[0]
	default:
		return proxy.MultiSource(sources)
	}
}
