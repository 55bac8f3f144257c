package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hgschmie/marathon/scheduler"
)

// Postgres is a durable scheduler.AppRepository backed by a single
// app_definitions table, one row per current app version. Structured
// sub-fields (constraints, health checks, labels, upgrade strategy) are
// stored as JSONB, following the teacher's PostgresStore pattern of
// hand-written SQL over pgxpool rather than an ORM.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against connString and verifies
// connectivity before returning.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("repository: parsing connection string: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("repository: ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

type appRow struct {
	Constraints     []scheduler.Constraint    `json:"constraints"`
	URIs            []string                  `json:"uris"`
	HealthChecks    []scheduler.HealthCheck   `json:"health_checks"`
	Labels          map[string]string         `json:"labels"`
	UpgradeStrategy scheduler.UpgradeStrategy `json:"upgrade_strategy"`
}

// CurrentVersion implements scheduler.AppRepository.
func (p *Postgres) CurrentVersion(ctx context.Context, appID string) (*scheduler.AppDefinition, bool, error) {
	const query = `
		SELECT id, version, instances, cpus, mem_mb, disk_mb, cmd, image,
		       port_count, task_rate_limit, attrs
		FROM app_definitions WHERE id = $1
	`
	var app scheduler.AppDefinition
	var attrsJSON []byte
	err := p.pool.QueryRow(ctx, query, appID).Scan(
		&app.ID, &app.Version, &app.Instances, &app.CPUs, &app.MemMB, &app.DiskMB,
		&app.Cmd, &app.Image, &app.PortCount, &app.TaskRateLimit, &attrsJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: loading app %s: %w", appID, err)
	}

	var row appRow
	if err := json.Unmarshal(attrsJSON, &row); err != nil {
		return nil, false, fmt.Errorf("repository: decoding attrs for app %s: %w", appID, err)
	}
	app.Constraints = row.Constraints
	app.URIs = row.URIs
	app.HealthChecks = row.HealthChecks
	app.Labels = row.Labels
	app.UpgradeStrategy = row.UpgradeStrategy
	return &app, true, nil
}

// Store implements scheduler.AppRepository with an upsert keyed by app id;
// the repository only ever materializes the current version per spec.
func (p *Postgres) Store(ctx context.Context, app *scheduler.AppDefinition) (*scheduler.AppDefinition, error) {
	attrs, err := json.Marshal(appRow{
		Constraints:     app.Constraints,
		URIs:            app.URIs,
		HealthChecks:    app.HealthChecks,
		Labels:          app.Labels,
		UpgradeStrategy: app.UpgradeStrategy,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: encoding attrs for app %s: %w", app.ID, err)
	}

	const query = `
		INSERT INTO app_definitions
			(id, version, instances, cpus, mem_mb, disk_mb, cmd, image, port_count, task_rate_limit, attrs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			instances = EXCLUDED.instances,
			cpus = EXCLUDED.cpus,
			mem_mb = EXCLUDED.mem_mb,
			disk_mb = EXCLUDED.disk_mb,
			cmd = EXCLUDED.cmd,
			image = EXCLUDED.image,
			port_count = EXCLUDED.port_count,
			task_rate_limit = EXCLUDED.task_rate_limit,
			attrs = EXCLUDED.attrs,
			updated_at = NOW()
	`
	_, err = p.pool.Exec(ctx, query,
		app.ID, app.Version, app.Instances, app.CPUs, app.MemMB, app.DiskMB,
		app.Cmd, app.Image, app.PortCount, app.TaskRateLimit, attrs,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: storing app %s: %w", app.ID, err)
	}
	copied := *app
	return &copied, nil
}

// Expunge implements scheduler.AppRepository.
func (p *Postgres) Expunge(ctx context.Context, appID string) ([]bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM app_definitions WHERE id = $1`, appID)
	if err != nil {
		return nil, fmt.Errorf("repository: expunging app %s: %w", appID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	return []bool{true}, nil
}

// AllIDs implements scheduler.AppRepository.
func (p *Postgres) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM app_definitions`)
	if err != nil {
		return nil, fmt.Errorf("repository: listing app ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: scanning app id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ scheduler.AppRepository = (*Postgres)(nil)
