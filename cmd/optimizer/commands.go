package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/chargeback"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/lifecycle"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/pipeline"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
	"github.com/lvonguyen/cost-optimizer/internal/reporter"
	"github.com/lvonguyen/cost-optimizer/internal/scheduler"
	"github.com/lvonguyen/cost-optimizer/internal/store"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd() *cobra.Command {
	var collect bool
	var days int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one evaluation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if collect {
					if _, err := collectWindow(ctx, a, days); err != nil {
						return err
					}
				}
				summary, err := a.pipeline.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().BoolVar(&collect, "collect", false, "Collect from enabled providers before the cycle")
	cmd.Flags().IntVar(&days, "days", 3, "Days to collect when --collect is set")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run collection, evaluation and retention jobs on their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runScheduler(ctx, a)
			})
		},
	}
}

func runScheduler(ctx context.Context, a *app) error {
	sc := a.cfg.Scheduler
	s := scheduler.New(a.logger.Named("scheduler"))

	if err := s.Add(scheduler.Job{
		Name:     "cycle",
		Schedule: sc.CycleSchedule,
		Run: func(ctx context.Context) error {
			_, err := a.pipeline.RunCycle(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	if sc.CollectSchedule != "" {
		if n := a.registerCollectors(ctx); n == 0 {
			a.logger.Warn("Collect schedule set but no collectors are enabled")
		}
		if err := s.Add(scheduler.Job{
			Name:     "collect",
			Schedule: sc.CollectSchedule,
			Run: func(ctx context.Context) error {
				_, err := collectWindow(ctx, a, 3)
				return err
			},
		}); err != nil {
			return err
		}
	}

	if sc.PurgeSchedule != "" {
		if err := s.Add(scheduler.Job{
			Name:     "purge",
			Schedule: sc.PurgeSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.pipeline.Purge(ctx, sc.RetentionDays)
				return err
			},
		}); err != nil {
			return err
		}
	}

	var srv *http.Server
	if sc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: sc.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		a.logger.Info("Serving metrics", zap.String("addr", sc.MetricsAddr))
	}

	s.Start(ctx)
	<-s.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	a.logger.Info("Scheduler stopped")
	return nil
}

func collectWindow(ctx context.Context, a *app, days int) (*pipeline.CollectResult, error) {
	if len(a.pipeline.Collectors()) == 0 {
		a.registerCollectors(ctx)
	}
	end := normalizer.DayOf(time.Now()).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -days)
	return a.pipeline.Collect(ctx, start, end)
}

func newCollectCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect recent spend from the enabled cloud providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := collectWindow(ctx, a, days)
				if result != nil {
					for name, ferr := range result.Failures {
						a.logger.Warn("Collector failed", zap.String("collector", name), zap.Error(ferr))
					}
				}
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 3, "Trailing days to collect")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var provider, kind, file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest raw billing or utilization records from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readRecords(file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.pipeline.Ingest(ctx, pipeline.Batch{
					Provider: provider,
					Kind:     pipeline.Kind(kind),
					Records:  records,
				})
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider tag: aws, azure, gcp, onprem")
	cmd.Flags().StringVar(&kind, "kind", string(pipeline.KindCost), "Record kind: cost or utilization")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON array or newline-delimited JSON file")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readRecords accepts a JSON array of objects or one object per line
func readRecords(path string) ([]normalizer.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		var records []normalizer.RawRecord
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return records, nil
	}

	var records []normalizer.RawRecord
	for dec.More() {
		var r normalizer.RawRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func newForecastCmd() *cobra.Command {
	var provider, service string
	var horizon int
	var stored bool

	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast daily spend for a provider and service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var points []forecast.Point
				var err error
				if stored {
					p, ok := normalizer.ParseProvider(provider)
					if !ok {
						return fmt.Errorf("unknown provider %q", provider)
					}
					points, err = a.service.StoredForecast(ctx, p, service)
				} else {
					points, err = a.service.GetForecast(ctx, provider, service, horizon)
				}
				if err != nil {
					return err
				}
				return printJSON(points)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Provider: aws, azure, gcp, onprem")
	cmd.Flags().StringVar(&service, "service", "", "Canonical service, e.g. Compute")
	cmd.Flags().IntVar(&horizon, "horizon", 30, "Days to forecast")
	cmd.Flags().BoolVar(&stored, "stored", false, "Return the forecast persisted by the last cycle")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newRecommendationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recommendations",
		Aliases: []string{"recs"},
		Short:   "List, apply and roll back recommendations",
	}

	var filter lifecycle.Filter
	var provider, impact, recType, status, output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recommendations ranked by monthly savings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider != "" {
				p, ok := normalizer.ParseProvider(provider)
				if !ok {
					return fmt.Errorf("unknown provider %q", provider)
				}
				filter.Provider = p
			}
			filter.Impact = recommend.Impact(impact)
			filter.Type = recommend.Type(recType)
			filter.Status = recommend.Status(status)

			return withApp(cmd, func(ctx context.Context, a *app) error {
				recs, err := a.service.ListRecommendations(ctx, filter)
				if err != nil {
					return err
				}
				if output == "table" {
					return printRecommendations(recs)
				}
				return printJSON(recs)
			})
		},
	}
	list.Flags().StringVar(&provider, "provider", "", "Filter by provider")
	list.Flags().StringVar(&impact, "severity", "", "Filter by impact: high, medium, low")
	list.Flags().StringVar(&recType, "type", "", "Filter by type")
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().StringVarP(&output, "output", "o", "json", "Output format: json, table")

	var at string
	apply := &cobra.Command{
		Use:   "apply <recommendation-id>",
		Short: "Apply a pending recommendation now or at a scheduled time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when *time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
				when = &t
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				task, err := a.service.ApplyRecommendation(ctx, args[0], when)
				if err != nil {
					return err
				}
				return printJSON(task)
			})
		},
	}
	apply.Flags().StringVar(&at, "at", "", "RFC3339 time the change takes effect")

	rollback := &cobra.Command{
		Use:   "rollback <recommendation-id>",
		Short: "Roll back an applied recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.service.RollbackRecommendation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}

	cmd.AddCommand(list, apply, rollback)
	return cmd
}

func printRecommendations(recs []*recommend.Recommendation) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tRESOURCE\tTYPE\tSAVINGS/MO\tCONFIDENCE\tIMPACT\tSTATUS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%.0f%%\t%s\t%s\n",
			r.ID, r.Provider, r.ResourceID, r.Type, r.MonthlySavings, r.Confidence*100, r.Impact, r.Status)
	}
	return w.Flush()
}

func newAlertsCmd() *cobra.Command {
	var department, provider, service string

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List active budget alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var scope *budget.Scope
			if department != "" || provider != "" || service != "" {
				scope = &budget.Scope{Department: department, Service: service}
				if provider != "" {
					p, ok := normalizer.ParseProvider(provider)
					if !ok {
						return fmt.Errorf("unknown provider %q", provider)
					}
					scope.Provider = p
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				alerts, err := a.service.ListActiveAlerts(ctx, scope)
				if err != nil {
					return err
				}
				return printJSON(alerts)
			})
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "Scope department")
	cmd.Flags().StringVar(&provider, "provider", "", "Scope provider")
	cmd.Flags().StringVar(&service, "service", "", "Scope service")
	return cmd
}

func newChargebackCmd() *cobra.Command {
	var month, output string

	cmd := &cobra.Command{
		Use:   "chargeback",
		Short: "Allocate a month of spend to departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := chargebackReport(ctx, a, month)
				if err != nil {
					return err
				}
				if output != "" {
					if err := report.SaveCSV(output); err != nil {
						return err
					}
					a.logger.Info("Chargeback report saved", zap.String("path", output))
					return nil
				}
				return report.WriteCSV(os.Stdout)
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "Month for chargeback (YYYY-MM), defaults to the current month")
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV file to write instead of stdout")
	return cmd
}

func chargebackReport(ctx context.Context, a *app, month string) (*chargeback.Report, error) {
	start, end, err := monthBounds(month, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	records, err := a.store.CostRecords(ctx, store.FactQuery{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	allocator := chargeback.NewAllocator(a.cfg.Chargeback)
	return chargeback.GenerateReport(allocator.Allocate(records), start.Format("2006-01"), a.cfg.Normalizer.ReportingCurrency), nil
}

// monthBounds returns [first day, first day of next month) for YYYY-MM, or
// the month containing now when month is empty
func monthBounds(month string, now time.Time) (time.Time, time.Time, error) {
	if month == "" {
		start, _ := budget.MonthToDate(now)
		return start, start.AddDate(0, 1, 0), nil
	}
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid month %q, want YYYY-MM", month)
	}
	return start, start.AddDate(0, 1, 0), nil
}

func newReportCmd() *cobra.Command {
	var format, month string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate an optimization report after running a cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.pipeline.RunCycle(ctx)
				if err != nil {
					return err
				}

				data := reporter.ReportData{Anomalies: summary.Anomalies.Anomalies}
				if data.Recommendations, err = a.service.ListRecommendations(ctx, lifecycle.Filter{}); err != nil {
					return err
				}
				if data.Alerts, err = a.service.ListActiveAlerts(ctx, nil); err != nil {
					return err
				}
				if data.Chargeback, err = chargebackReport(ctx, a, month); err != nil {
					return err
				}
				data.Period = data.Chargeback.Month
				data.Forecasts = storedForecasts(ctx, a)

				path, err := a.reporter.Generate(format, data)
				if err != nil {
					return err
				}
				a.logger.Info("Report generated", zap.String("path", path), zap.String("format", format))
				fmt.Println(path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", reporter.FormatHTML, "Report format: html, csv, json")
	cmd.Flags().StringVar(&month, "month", "", "Chargeback month (YYYY-MM)")
	return cmd
}

// storedForecasts collects the persisted forecast of every series with recent spend
func storedForecasts(ctx context.Context, a *app) []forecast.Point {
	end := time.Now().UTC()
	records, err := a.store.CostRecords(ctx, store.FactQuery{Start: end.AddDate(0, 0, -a.cfg.Forecast.HistoryDays), End: end})
	if err != nil {
		a.logger.Warn("Failed to load cost records for report", zap.Error(err))
		return nil
	}

	var points []forecast.Point
	for key := range forecast.SeriesFromRecords(records) {
		stored, err := a.service.StoredForecast(ctx, key.Provider, key.Service)
		if err != nil {
			continue
		}
		points = append(points, stored...)
	}
	return points
}

func newPurgeCmd() *cobra.Command {
	var retention int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop cost and utilization facts older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if retention == 0 {
					retention = a.cfg.Scheduler.RetentionDays
				}
				removed, err := a.pipeline.Purge(ctx, retention)
				if err != nil {
					return err
				}
				a.logger.Info("Purged facts", zap.Int64("removed", removed), zap.Int("retention_days", retention))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retention, "retention-days", 0, "Days to keep (defaults to scheduler.retention_days)")
	return cmd
}
