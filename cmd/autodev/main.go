package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/autodev/internal/config"
	"github.com/danshapiro/autodev/internal/contextengine"
	"github.com/danshapiro/autodev/internal/embed"
	"github.com/danshapiro/autodev/internal/events"
	"github.com/danshapiro/autodev/internal/githost"
	"github.com/danshapiro/autodev/internal/llm"
	"github.com/danshapiro/autodev/internal/pricing"
	"github.com/danshapiro/autodev/internal/promptspec"
	"github.com/danshapiro/autodev/internal/server"
	"github.com/danshapiro/autodev/internal/store"
	"github.com/danshapiro/autodev/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		run(os.Args[2:])
	case "version":
		fmt.Println("autodev " + version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  autodev serve [--config <autodev.yaml>] [--listen <addr>] [--dry-run]")
	fmt.Fprintln(os.Stderr, "  autodev run --task <text> [--config <autodev.yaml>] [--repo <owner/name>]")
	fmt.Fprintln(os.Stderr, "              [--branch <base>] [--budget <usd>] [--dry-run]")
	fmt.Fprintln(os.Stderr, "  autodev version")
}

// services is everything a worker needs, wired once from config.
type services struct {
	store    *store.Store
	bus      *events.Bus
	embedder embed.Provider
	runner   *worker.Runner
}

func (s *services) Close() {
	s.bus.Close()
	s.store.Close()
}

func buildServices(cfg *config.Config, logger *log.Logger) (*services, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	st.MemoryMaxItems = cfg.MemoryMaxItemsPerJob
	st.MemoryMaxBytes = cfg.MemoryMaxBytesPerItem

	var bus *events.Bus
	if cfg.RedisURL != "" {
		bus, err = events.NewRedis(cfg.RedisURL, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisURL, err)
		}
		logger.Printf("[main] event bus: redis (%s)", cfg.RedisURL)
	} else {
		bus = events.New(logger)
		logger.Printf("[main] event bus: in-process")
	}

	client := llm.NewClient()
	client.Register(llm.DryRunAdapter{})
	if cfg.OpenAIAPIKey != "" {
		client.Register(llm.NewOpenAIAdapter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
		client.SetDefaultProvider("openai")
	} else if !cfg.DryRun {
		logger.Printf("[main] no openai_api_key configured; only dry-run jobs will work")
	}
	logger.Printf("[main] llm providers: %s", strings.Join(client.ProviderNames(), ", "))

	var embedder embed.Provider = embed.Fallback{}
	if cfg.OpenAIAPIKey != "" {
		embedder = embed.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	}

	prices, err := pricing.LoadTable(cfg.PricesPath)
	if err != nil {
		bus.Close()
		st.Close()
		return nil, fmt.Errorf("load prices: %w", err)
	}
	prompts, err := promptspec.Load(cfg.PromptSpecPath)
	if err != nil {
		bus.Close()
		st.Close()
		return nil, fmt.Errorf("load prompt spec: %w", err)
	}
	logger.Printf("[main] prompt spec digest %s", prompts.Digest[:12])

	var engine *contextengine.Engine
	if cfg.ContextEnabled() {
		engine = contextengine.New(cfg, st, embedder, logger)
	} else {
		logger.Printf("[main] context engine disabled")
	}

	runner := &worker.Runner{
		Cfg:     cfg,
		Store:   st,
		Bus:     bus,
		LLM:     client,
		Prices:  prices,
		Prompts: prompts,
		Context: engine,
		Host:    githost.Noop{},
		Logger:  logger,
	}
	if cfg.GitHubToken != "" {
		gh := githost.NewGitHub(context.Background(), cfg.GitHubToken)
		runner.Host = gh
		runner.CloneURL = gh.CloneURL
	}

	return &services{store: st, bus: bus, embedder: embedder, runner: runner}, nil
}

func serve(args []string) {
	configPath := "autodev.yaml"
	var listenOverride string
	var dryRunOverride bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--listen":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--listen requires a value")
				os.Exit(1)
			}
			listenOverride = args[i]
		case "--dry-run":
			dryRunOverride = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	if dryRunOverride {
		cfg.DryRun = true
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	svc, err := buildServices(cfg, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer svc.Close()

	pool := worker.NewPool(svc.runner, cfg.WorkerCount, 256)
	if err := pool.Requeue(context.Background()); err != nil {
		logger.Printf("[main] requeue pending jobs: %v", err)
	}

	srv := server.New(cfg, svc.store, svc.bus, pool, svc.embedder, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("[main] listening on %s (dry_run=%v, workers=%d)", cfg.ListenAddr, cfg.DryRun, cfg.WorkerCount)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[main] http shutdown: %v", err)
	}
	pool.Stop()
}

// run executes a single job in the foreground and prints the result.
func run(args []string) {
	configPath := "autodev.yaml"
	var task, repo, branch string
	var budget float64
	var dryRunOverride bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--task":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--task requires a value")
				os.Exit(1)
			}
			task = args[i]
		case "--repo":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--repo requires a value")
				os.Exit(1)
			}
			repo = args[i]
		case "--branch":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--branch requires a value")
				os.Exit(1)
			}
			branch = args[i]
		case "--budget":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--budget requires a value")
				os.Exit(1)
			}
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "--budget: %v\n", err)
				os.Exit(1)
			}
			budget = v
		case "--dry-run":
			dryRunOverride = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if strings.TrimSpace(task) == "" {
		fmt.Fprintln(os.Stderr, "--task is required")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if dryRunOverride {
		cfg.DryRun = true
	}

	var owner, name string
	if repo != "" {
		owner, name, _ = strings.Cut(repo, "/")
		if owner == "" || name == "" {
			fmt.Fprintln(os.Stderr, "--repo must be owner/name")
			os.Exit(1)
		}
	}
	if !cfg.DryRun && repo == "" {
		fmt.Fprintln(os.Stderr, "--repo is required unless running with --dry-run")
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	svc, err := buildServices(cfg, logger)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer svc.Close()

	job := &store.Job{
		Task:        task,
		RepoOwner:   owner,
		RepoName:    name,
		BranchBase:  branch,
		BudgetUSD:   budget,
		MaxRequests: cfg.MaxRequests,
		MaxMinutes:  cfg.MaxWallclockMinutes,
		ModelCTO:    cfg.ModelCTO,
		ModelCoder:  cfg.ModelCoder,
	}
	if job.BranchBase == "" {
		job.BranchBase = "main"
	}
	if job.BudgetUSD <= 0 {
		job.BudgetUSD = cfg.BudgetUSDMax
	}

	ctx := context.Background()
	if err := svc.store.CreateJob(ctx, job); err != nil {
		logger.Fatalf("create job: %v", err)
	}
	logger.Printf("[main] job %s created", job.ID)

	runErr := svc.runner.Run(ctx, job.ID)

	final, err := svc.store.GetJob(ctx, job.ID)
	if err != nil {
		logger.Fatalf("load job: %v", err)
	}
	fmt.Printf("job %s: %s\n", final.ID, final.Status)
	fmt.Printf("cost: $%.4f over %d requests\n", final.CostUSD, final.RequestsMade)
	for _, link := range final.PRLinks {
		fmt.Printf("pr: %s\n", link)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", runErr)
		os.Exit(1)
	}
}
