// Command returnably runs the extraction pipeline over a batch of purchase
// email records and prints the resulting return cards and batch stats.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/returnably/core/pkg/budget"
	"github.com/returnably/core/pkg/classify"
	"github.com/returnably/core/pkg/config"
	"github.com/returnably/core/pkg/contracts"
	"github.com/returnably/core/pkg/extract"
	"github.com/returnably/core/pkg/filter"
	"github.com/returnably/core/pkg/llm"
	"github.com/returnably/core/pkg/pipeline"
	"github.com/returnably/core/pkg/policy"
	"github.com/returnably/core/pkg/store"
	"github.com/returnably/core/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "process":
		return runProcess(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: returnably process [flags]

Reads a JSON array of message records, runs the staged extraction pipeline,
and prints the return cards and batch stats as JSON.

Flags:
  -input string    batch file, or "-" for stdin (default "-")
  -profile string  pipeline profile YAML (filter lists, merchant policies)
  -cards-db string persist cards to this sqlite file
  -pretty          indent the JSON output`)
}

func runProcess(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(stderr)
	input := fs.String("input", "-", "batch file, or - for stdin")
	profilePath := fs.String("profile", "", "pipeline profile YAML")
	cardsDB := fs.String("cards-db", "", "persist cards to this sqlite file")
	pretty := fs.Bool("pretty", false, "indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgs, err := readBatch(*input)
	if err != nil {
		logger.Error("read batch", "error", err)
		return 1
	}

	orch, metrics, cleanup, err := buildPipeline(cfg, *profilePath, logger)
	if err != nil {
		logger.Error("build pipeline", "error", err)
		return 1
	}
	defer cleanup()

	result := orch.Process(ctx, msgs)

	if *cardsDB != "" {
		cards, err := store.OpenCardStore(*cardsDB)
		if err != nil {
			logger.Error("open card store", "error", err)
			return 1
		}
		defer func() { _ = cards.Close() }()
		if err := cards.UpsertCards(ctx, result.Cards); err != nil {
			// Partial persistence: the joined error names each failed card.
			logger.Error("persist cards", "error", err)
		}
	}

	snap := metrics.Snapshot()
	logger.Info("pipeline metrics",
		"accepted", snap.Accepted,
		"cache_hits", sumValues(snap.CacheHitsByStage),
		"cache_misses", sumValues(snap.CacheMissesByStage),
		"budget_denials", sumValues(snap.BudgetDenials),
	)

	enc := json.NewEncoder(stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(result); err != nil {
		logger.Error("encode result", "error", err)
		return 1
	}
	return 0
}

// buildPipeline wires every collaborator from configuration. The returned
// cleanup closes whatever was opened.
func buildPipeline(cfg *config.Config, profilePath string, logger *slog.Logger) (*pipeline.Orchestrator, *telemetry.Metrics, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*pipeline.Orchestrator, *telemetry.Metrics, func(), error) {
		cleanup()
		return nil, nil, func() {}, err
	}

	profile, table, err := loadProfile(profilePath)
	if err != nil {
		return fail(err)
	}

	flt, err := filter.New(profile.Filter.Blocklist, profile.Filter.Allowlist,
		filter.WithVocabulary(profile.Filter.RejectVocabulary),
		filter.WithRules(profile.Filter.Rules),
	)
	if err != nil {
		return fail(fmt.Errorf("build filter: %w", err))
	}

	provider := sdkmetric.NewMeterProvider()
	cleanups = append(cleanups, func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := telemetry.New(provider.Meter("returnably"))
	if err != nil {
		return fail(fmt.Errorf("build telemetry: %w", err))
	}

	var cache llm.CacheStore
	if cfg.RedisAddr != "" {
		rc := llm.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cleanups = append(cleanups, func() { _ = rc.Close() })
		cache = rc
	} else {
		cache = llm.NewMemoryCache()
	}

	client, err := llm.NewResilientClient(
		llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel),
		cache,
		llm.ResilientConfig{
			Retry: llm.RetryPolicy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
				MaxDelay:    cfg.RetryMaxDelay,
				MaxJitter:   cfg.RetryMaxJitter,
			},
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cfg.BreakerCooldown,
			CacheTTL:         cfg.CacheTTL,
			AttemptTimeout:   cfg.LLMTimeout,
			RatePerSec:       cfg.LLMRatePerSec,
			Burst:            cfg.LLMBurst,
		},
		map[string]string{
			llm.StageClassify: classify.Schema,
			llm.StageExtract:  extract.Schema,
		},
		metrics,
	)
	if err != nil {
		return fail(fmt.Errorf("build inference client: %w", err))
	}

	var seen pipeline.SeenSet
	if cfg.SeenDBPath != "" {
		durable, err := store.OpenSeenSet(cfg.SeenDBPath, cfg.SeenTTL)
		if err != nil {
			return fail(fmt.Errorf("open seen-set: %w", err))
		}
		cleanups = append(cleanups, func() { _ = durable.Close() })
		seen = durable
	} else {
		seen = pipeline.NewMemorySeenSet(cfg.SeenTTL, cfg.SeenMax)
	}

	orch, err := pipeline.New(pipeline.Deps{
		Filter:     flt,
		Classifier: classify.New(client, cfg.ClassifyThreshold),
		Extractor:  extract.New(client, table),
		Ledger: budget.NewLedger(budget.Caps{
			TenantDaily: cfg.TenantDailyCap,
			GlobalDaily: cfg.GlobalDailyCap,
		}),
		Seen:     seen,
		Workers:  cfg.Workers,
		Observer: metrics,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}

	return orch, metrics, cleanup, nil
}

func loadProfile(path string) (*config.PipelineProfile, *policy.Table, error) {
	if path == "" {
		table, err := policy.NewTable(map[string]policy.Entry{
			policy.DefaultKey: {Days: 30, Anchor: policy.AnchorDelivery},
		})
		if err != nil {
			return nil, nil, err
		}
		return &config.PipelineProfile{}, table, nil
	}

	profile, err := config.LoadProfile(path)
	if err != nil {
		return nil, nil, err
	}
	table, err := profile.MerchantTable()
	if err != nil {
		return nil, nil, err
	}
	return profile, table, nil
}

func readBatch(input string) ([]contracts.RawMessage, error) {
	var r io.Reader
	if input == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(input)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var msgs []contracts.RawMessage
	if err := json.NewDecoder(r).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return msgs, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func sumValues[K comparable](m map[K]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}
