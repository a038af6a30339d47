package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lvonguyen/cost-optimizer/internal/budget"
	"github.com/lvonguyen/cost-optimizer/internal/forecast"
	"github.com/lvonguyen/cost-optimizer/internal/normalizer"
	"github.com/lvonguyen/cost-optimizer/internal/recommend"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

// factTables are partitioned by month on ts
var factTables = []string{"cost_records", "utilization_samples"}

// PostgresConfig holds database configuration
type PostgresConfig struct {
	DatabaseURL       string
	MaxConnections    int
	MinConnections    int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPostgresConfig returns a configuration with pool defaults
func DefaultPostgresConfig(databaseURL string) PostgresConfig {
	return PostgresConfig{
		DatabaseURL:       databaseURL,
		MaxConnections:    10,
		MinConnections:    2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// Postgres is a Store backed by PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, verifies the connection and applies migrations
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = int32(cfg.MinConnections)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close closes the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies the database connection is alive
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate applies the embedded schema files in name order
func (p *Postgres) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		sql, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		if _, err := p.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error
func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// --- recommendations ---

const recommendationColumns = `id, provider, service, resource_id, region, type,
	current_config, recommended_config, current_cost, projected_cost, monthly_savings,
	confidence, impact, status, description, reasoning,
	created_at, updated_at, applied_at, rolled_back_at, expired_at`

func scanRecommendation(row pgx.Row) (*recommend.Recommendation, error) {
	var r recommend.Recommendation
	err := row.Scan(
		&r.ID, &r.Provider, &r.Service, &r.ResourceID, &r.Region, &r.Type,
		&r.CurrentConfig, &r.RecommendedConfig, &r.CurrentCost, &r.ProjectedCost, &r.MonthlySavings,
		&r.Confidence, &r.Impact, &r.Status, &r.Description, &r.Reasoning,
		&r.CreatedAt, &r.UpdatedAt, &r.AppliedAt, &r.RolledBackAt, &r.ExpiredAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func recommendationArgs(r *recommend.Recommendation) []any {
	current := r.CurrentConfig
	if current == nil {
		current = map[string]any{}
	}
	recommended := r.RecommendedConfig
	if recommended == nil {
		recommended = map[string]any{}
	}
	return []any{
		r.ID, r.Provider, r.Service, r.ResourceID, r.Region, r.Type,
		current, recommended, r.CurrentCost, r.ProjectedCost, r.MonthlySavings,
		r.Confidence, r.Impact, r.Status, r.Description, r.Reasoning,
		r.CreatedAt, r.UpdatedAt, r.AppliedAt, r.RolledBackAt, r.ExpiredAt,
	}
}

func (p *Postgres) GetRecommendation(ctx context.Context, id string) (*recommend.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`

	rec, err := scanRecommendation(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendation: %w", err)
	}
	return rec, nil
}

func (p *Postgres) FindPending(ctx context.Context, id recommend.Identity) (*recommend.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE resource_id = $1 AND type = $2 AND status = 'pending'`

	rec, err := scanRecommendation(p.pool.QueryRow(ctx, query, id.ResourceID, id.Type))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending recommendation: %w", err)
	}
	return rec, nil
}

func (p *Postgres) InsertRecommendation(ctx context.Context, rec *recommend.Recommendation) error {
	query := `INSERT INTO recommendations (` + recommendationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	if _, err := p.pool.Exec(ctx, query, recommendationArgs(rec)...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert recommendation: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateRecommendation(ctx context.Context, rec *recommend.Recommendation, expected recommend.Status) error {
	query := `UPDATE recommendations SET
			provider = $2, service = $3, resource_id = $4, region = $5, type = $6,
			current_config = $7, recommended_config = $8, current_cost = $9,
			projected_cost = $10, monthly_savings = $11, confidence = $12, impact = $13,
			status = $14, description = $15, reasoning = $16, created_at = $17,
			updated_at = $18, applied_at = $19, rolled_back_at = $20, expired_at = $21
		WHERE id = $1 AND status = $22`

	args := append(recommendationArgs(rec), expected)
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to update recommendation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recommendations WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check recommendation: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) ListRecommendations(ctx context.Context, filter RecommendationFilter) ([]*recommend.Recommendation, error) {
	var where []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Provider != "" {
		add("provider", filter.Provider)
	}
	if filter.Type != "" {
		add("type", filter.Type)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.Impact != "" {
		add("impact", filter.Impact)
	}

	query := `SELECT ` + recommendationColumns + ` FROM recommendations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY monthly_savings DESC, confidence DESC, id ASC"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations: %w", err)
	}
	defer rows.Close()

	out := make([]*recommend.Recommendation, 0)
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recommendations: %w", err)
	}
	return out, nil
}

// --- alerts ---

const alertColumns = `alert_id, budget_name, scope_key, department, provider, service,
	budget_amount, current_spend, threshold_percentage, level, status,
	created_at, updated_at, resolved_at`

func scanAlert(row pgx.Row) (*budget.Alert, error) {
	var a budget.Alert
	var amount, spend pgtype.Numeric
	err := row.Scan(
		&a.ID, &a.BudgetName, &a.ScopeKey, &a.Scope.Department, &a.Scope.Provider, &a.Scope.Service,
		&amount, &spend, &a.ThresholdPercentage, &a.Level, &a.Status,
		&a.CreatedAt, &a.UpdatedAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	a.BudgetAmount = fromNumeric(amount)
	a.CurrentSpend = fromNumeric(spend)
	return &a, nil
}

func (p *Postgres) ActiveAlert(ctx context.Context, scopeKey string, level budget.Level) (*budget.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM budget_alerts
		WHERE scope_key = $1 AND level = $2 AND status = 'active'`

	a, err := scanAlert(p.pool.QueryRow(ctx, query, scopeKey, level))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active alert: %w", err)
	}
	return a, nil
}

func (p *Postgres) SaveAlert(ctx context.Context, a *budget.Alert) error {
	query := `INSERT INTO budget_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (alert_id) DO UPDATE SET
			current_spend = EXCLUDED.current_spend,
			budget_amount = EXCLUDED.budget_amount,
			threshold_percentage = EXCLUDED.threshold_percentage,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at`

	_, err := p.pool.Exec(ctx, query,
		a.ID, a.BudgetName, a.ScopeKey, a.Scope.Department, a.Scope.Provider, a.Scope.Service,
		toNumeric(a.BudgetAmount), toNumeric(a.CurrentSpend), a.ThresholdPercentage, a.Level, a.Status,
		a.CreatedAt, a.UpdatedAt, a.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

func (p *Postgres) ListAlerts(ctx context.Context, filter budget.AlertFilter) ([]*budget.Alert, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Scope != nil {
		args = append(args, filter.Scope.Key())
		where = append(where, fmt.Sprintf("scope_key = $%d", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM budget_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scope_key, level, created_at"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]*budget.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}

// --- forecasts ---

// ReplaceForecast swaps the stored points of a pair in one transaction
func (p *Postgres) ReplaceForecast(ctx context.Context, key normalizer.SeriesKey, points []forecast.Point) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM forecast_points WHERE provider = $1 AND service = $2`, key.Provider, key.Service); err != nil {
			return fmt.Errorf("failed to delete forecast: %w", err)
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"forecast_points"},
			[]string{"provider", "service", "date", "predicted_cost", "confidence_lower", "confidence_upper", "model_version"},
			pgx.CopyFromSlice(len(points), func(i int) ([]any, error) {
				pt := points[i]
				return []any{key.Provider, key.Service, pt.Date, pt.PredictedCost, pt.ConfidenceLower, pt.ConfidenceUpper, pt.ModelVersion}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to copy forecast points: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetForecast(ctx context.Context, key normalizer.SeriesKey) ([]forecast.Point, error) {
	query := `SELECT date, predicted_cost, confidence_lower, confidence_upper, model_version
		FROM forecast_points
		WHERE provider = $1 AND service = $2
		ORDER BY date`

	rows, err := p.pool.Query(ctx, query, key.Provider, key.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast: %w", err)
	}
	defer rows.Close()

	var out []forecast.Point
	for rows.Next() {
		pt := forecast.Point{Provider: key.Provider, Service: key.Service}
		if err := rows.Scan(&pt.Date, &pt.PredictedCost, &pt.ConfidenceLower, &pt.ConfidenceUpper, &pt.ModelVersion); err != nil {
			return nil, fmt.Errorf("failed to scan forecast point: %w", err)
		}
		pt.Date = pt.Date.UTC()
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate forecast: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// --- facts ---

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func partitionName(table string, month time.Time) string {
	return fmt.Sprintf("%s_y%04dm%02d", table, month.Year(), int(month.Month()))
}

// EnsurePartitions creates the monthly partitions covering [from, to]
func (p *Postgres) EnsurePartitions(ctx context.Context, from, to time.Time) error {
	for _, table := range factTables {
		for m := monthStart(from); !m.After(to); m = m.AddDate(0, 1, 0) {
			stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
				pgx.Identifier{partitionName(table, m)}.Sanitize(),
				pgx.Identifier{table}.Sanitize(),
				m.Format(time.DateOnly), m.AddDate(0, 1, 0).Format(time.DateOnly),
			)
			if _, err := p.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create partition %s: %w", partitionName(table, m), err)
			}
		}
	}
	return nil
}

func (p *Postgres) AppendCostRecords(ctx context.Context, records []normalizer.CostRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	from, to := records[0].Timestamp, records[0].Timestamp
	for _, r := range records {
		if r.Timestamp.Before(from) {
			from = r.Timestamp
		}
		if r.Timestamp.After(to) {
			to = r.Timestamp
		}
	}
	if err := p.EnsurePartitions(ctx, from, to); err != nil {
		return 0, err
	}

	n, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"cost_records"},
		[]string{"ts", "provider", "service", "resource_id", "cost", "currency", "usage_hours", "resource_count", "region", "department", "tags"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			var resourceID *string
			if r.ResourceID != "" {
				resourceID = &r.ResourceID
			}
			tags := r.Tags
			if tags == nil {
				tags = map[string]string{}
			}
			return []any{r.Timestamp, r.Provider, r.Service, resourceID, toNumeric(r.Cost), r.Currency,
				r.UsageHours, r.ResourceCount, r.Region, r.Department, tags}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy cost records: %w", err)
	}
	return n, nil
}

func (p *Postgres) AppendUtilization(ctx context.Context, samples []normalizer.UtilizationSample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	from, to := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples {
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
	}
	if err := p.EnsurePartitions(ctx, from, to); err != nil {
		return 0, err
	}

	n, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"utilization_samples"},
		[]string{"ts", "resource_id", "provider", "cpu_utilization", "memory_utilization", "network_io", "disk_io"},
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			s := samples[i]
			return []any{s.Timestamp, s.ResourceID, s.Provider, s.CPUUtilization, s.MemoryUtilization, s.NetworkIO, s.DiskIO}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy utilization samples: %w", err)
	}
	return n, nil
}

func factWhere(q FactQuery, withService bool) (string, []any) {
	var where []string
	var args []any
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		where = append(where, fmt.Sprintf("ts < $%d", len(args)))
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if withService && q.Service != "" {
		args = append(args, q.Service)
		where = append(where, fmt.Sprintf("service = $%d", len(args)))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (p *Postgres) CostRecords(ctx context.Context, q FactQuery) ([]normalizer.CostRecord, error) {
	where, args := factWhere(q, true)
	query := `SELECT ts, provider, service, resource_id, cost, currency, usage_hours,
			resource_count, region, department, tags
		FROM cost_records` + where + ` ORDER BY ts`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost records: %w", err)
	}
	defer rows.Close()

	var out []normalizer.CostRecord
	for rows.Next() {
		var r normalizer.CostRecord
		var resourceID *string
		var cost pgtype.Numeric
		if err := rows.Scan(&r.Timestamp, &r.Provider, &r.Service, &resourceID, &cost, &r.Currency,
			&r.UsageHours, &r.ResourceCount, &r.Region, &r.Department, &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		if resourceID != nil {
			r.ResourceID = *resourceID
		}
		r.Cost = fromNumeric(cost)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cost records: %w", err)
	}
	return out, nil
}

func (p *Postgres) UtilizationSamples(ctx context.Context, q FactQuery) ([]normalizer.UtilizationSample, error) {
	where, args := factWhere(q, false)
	query := `SELECT ts, resource_id, provider, cpu_utilization, memory_utilization, network_io, disk_io
		FROM utilization_samples` + where + ` ORDER BY ts`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query utilization samples: %w", err)
	}
	defer rows.Close()

	var out []normalizer.UtilizationSample
	for rows.Next() {
		var s normalizer.UtilizationSample
		if err := rows.Scan(&s.Timestamp, &s.ResourceID, &s.Provider, &s.CPUUtilization,
			&s.MemoryUtilization, &s.NetworkIO, &s.DiskIO); err != nil {
			return nil, fmt.Errorf("failed to scan utilization sample: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate utilization samples: %w", err)
	}
	return out, nil
}

// PurgeBefore drops whole monthly partitions that end at or before cutoff and
// deletes the remaining older rows from the partition containing cutoff
func (p *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for _, table := range factTables {
		partitions, err := p.partitions(ctx, table)
		if err != nil {
			return removed, err
		}

		for name, month := range partitions {
			if month.AddDate(0, 1, 0).After(cutoff) {
				continue
			}
			var n int64
			ident := pgx.Identifier{name}.Sanitize()
			if err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident).Scan(&n); err != nil {
				return removed, fmt.Errorf("failed to count partition %s: %w", name, err)
			}
			if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+ident); err != nil {
				return removed, fmt.Errorf("failed to drop partition %s: %w", name, err)
			}
			removed += n
		}

		tag, err := p.pool.Exec(ctx, "DELETE FROM "+pgx.Identifier{table}.Sanitize()+" WHERE ts < $1", cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// partitions maps partition name to the month it covers
func (p *Postgres) partitions(ctx context.Context, table string) (map[string]time.Time, error) {
	query := `SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class parent ON parent.oid = i.inhparent
		WHERE parent.relname = $1`

	rows, err := p.pool.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		month, err := time.Parse("y2006m01", strings.TrimPrefix(name, table+"_"))
		if err != nil {
			continue
		}
		out[name] = month
	}
	return out, rows.Err()
}
