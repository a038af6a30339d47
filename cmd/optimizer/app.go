package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/anomaly"
	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/config"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/lifecycle"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/pipeline"
	"github.com/lvonguyen/cost-optimizer/internal/providers/aws"
	"github.com/lvonguyen/cost-optimizer/internal/providers/azure"
	"github.com/lvonguyen/cost-optimizer/internal/providers/gcp"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/reporter"
	"github.com/lvonguyen/cost-optimizer/internal/service"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

// app holds the wired components shared by every command
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	pipeline *pipeline.Pipeline
	service  *service.Service
	reporter *reporter.Reporter
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, closers: []func(){s.Close}}

	rates, err := cfg.ExchangeRates()
	if err != nil {
		a.close()
		return nil, err
	}
	norm := normalizer.New(normalizer.Config{
		ReportingCurrency: cfg.Normalizer.ReportingCurrency,
		ExchangeRates:     rates,
	})

	engine := forecast.NewEngine(forecast.Config{
		MinHistoryDays: cfg.Forecast.MinHistoryDays,
		MaxHorizonDays: cfg.Forecast.MaxHorizonDays,
		Coverage:       cfg.Forecast.Coverage,
		Timeout:        cfg.Forecast.Timeout,
		CacheSize:      cfg.Forecast.CacheSize,
		CacheTTL:       cfg.Forecast.CacheTTL,
	}, logger.Named("forecast"))

	var detector *anomaly.Detector
	if cfg.Anomaly.Enabled {
		detector = anomaly.NewDetector(anomaly.DetectorConfig{
			Margin:         cfg.Anomaly.Margin,
			MediumRatio:    cfg.Anomaly.MediumRatio,
			HighRatio:      cfg.Anomaly.HighRatio,
			MinActual:      cfg.Anomaly.MinimumCost,
			HorizonPadding: cfg.Anomaly.HorizonPadding,
		})
	}

	registry, err := recommend.NewRegistry(recommend.DefaultCatalog(), cfg.Recommend.ConfidenceFloor, cfg.Recommend.Policies)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to build policy registry: %w", err)
	}

	var notifier budget.Notifier
	if cfg.Alerting.Slack.Enabled {
		notifier = budget.NewWebhookNotifier(cfg.Alerting.Slack.WebhookURL, cfg.Alerting.Slack.Channel)
	}

	manager := lifecycle.NewManager(s, lifecycle.Config{}, logger.Named("lifecycle"))

	a.pipeline = pipeline.New(pipeline.Config{
		Workers:            cfg.Recommend.Workers,
		HorizonDays:        cfg.Forecast.HorizonDays,
		HistoryDays:        cfg.Forecast.HistoryDays,
		AnomalyDays:        cfg.Anomaly.RecentDays,
		LookbackDays:       cfg.Recommend.LookbackDays,
		AnomalyMinSeverity: anomaly.Severity(cfg.Alerting.MinAnomalySeverity),
		Budgets:            cfg.BudgetList(),
	}, pipeline.Components{
		Store:      s,
		Normalizer: norm,
		Engine:     engine,
		Detector:   detector,
		Generator:  recommend.NewGenerator(registry, logger.Named("recommend")),
		Manager:    manager,
		Evaluator:  budget.NewEvaluator(s, notifier, logger.Named("budget")),
		Allocator:  chargeback.NewAllocator(cfg.Chargeback),
	}, logger.Named("pipeline"))

	a.service = service.New(service.Config{HistoryDays: cfg.Forecast.HistoryDays}, manager, s, engine, logger.Named("service"))
	a.reporter = reporter.New(cfg.Reporter)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DatabaseURL:     cfg.DatabaseURL,
			MaxConnections:  cfg.MaxConnections,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, nil
	default:
		return store.NewMemory(), nil
	}
}

// registerCollectors initializes the enabled cloud collectors. A provider
// that fails to initialize is logged and skipped.
func (a *app) registerCollectors(ctx context.Context) int {
	if a.cfg.AWS.Enabled {
		c, err := aws.NewCollector(ctx, a.cfg.AWS, a.logger.Named("aws"))
		if err != nil {
			a.logger.Warn("Failed to initialize AWS collector", zap.Error(err))
		} else {
			a.pipeline.RegisterCollector(c)
		}
	}

	if a.cfg.Azure.Enabled {
		c, err := azure.NewCollector(a.cfg.Azure, a.logger.Named("azure"))
		if err != nil {
			a.logger.Warn("Failed to initialize Azure collector", zap.Error(err))
		} else {
			a.pipeline.RegisterCollector(c)
		}
	}

	if a.cfg.GCP.Enabled {
		c, err := gcp.NewCollector(ctx, a.cfg.GCP, a.logger.Named("gcp"))
		if err != nil {
			a.logger.Warn("Failed to initialize GCP collector", zap.Error(err))
		} else {
			a.pipeline.RegisterCollector(c)
			a.closers = append(a.closers, func() { _ = c.Close() })
		}
	}

	return len(a.pipeline.Collectors())
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
