// Package storage persists provider configs, monitor conditions and alerts
// in SQLite or PostgreSQL through database/sql.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const DefaultAlertLimit = 50

type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
	log    *logger.Entry
}

// Open connects to the configured database and creates missing tables.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" && driver != "postgres" {
		return nil, models.StoreUnavailable("unsupported driver "+driver, nil)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, models.StoreUnavailable("open "+driver, err)
	}
	if driver == "sqlite" {
		// one writer; avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, models.StoreUnavailable("ping "+driver, err)
	}

	s := &Store{
		db:     db,
		driver: driver,
		now:    time.Now,
		log:    logger.GetLogger().WithComponent("storage").WithField("driver", driver),
	}
	if driver == "sqlite" {
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				s.log.WithError(err).Warn("failed to apply " + pragma)
			}
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("storage ready")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return models.StoreUnavailable("ping", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	realType := "REAL"
	if s.driver == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
		realType = "DOUBLE PRECISION"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ws_provider_configs (
			id ` + idColumn + `,
			provider_name TEXT NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			api_key TEXT,
			api_secret TEXT,
			endpoint TEXT,
			config_data TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_conditions (
			id ` + idColumn + `,
			provider TEXT NOT NULL,
			symbol TEXT NOT NULL,
			field TEXT NOT NULL,
			operator TEXT NOT NULL,
			value ` + realType + ` NOT NULL,
			value2 ` + realType + `,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_alerts (
			id ` + idColumn + `,
			condition_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			symbol TEXT NOT NULL,
			field TEXT NOT NULL,
			triggered_value ` + realType + ` NOT NULL,
			triggered_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_alerts_triggered ON monitor_alerts(triggered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_conditions_target ON monitor_conditions(provider, symbol)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return models.StoreUnavailable("migrate", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveProviderConfig inserts or replaces the config keyed by its name.
func (s *Store) SaveProviderConfig(ctx context.Context, cfg models.ProviderConfig) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ws_provider_configs (provider_name, enabled, api_key, api_secret, endpoint, config_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_name) DO UPDATE SET
			enabled = excluded.enabled,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			endpoint = excluded.endpoint,
			config_data = excluded.config_data,
			updated_at = excluded.updated_at`),
		cfg.Name, cfg.Enabled, cfg.APIKey, cfg.APISecret, cfg.Endpoint, string(cfg.Params), now, now)
	if err != nil {
		return models.StoreUnavailable("save provider config "+cfg.Name, err)
	}
	return nil
}

const providerColumns = `provider_name, enabled, api_key, api_secret, endpoint, config_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProviderConfig(row rowScanner) (models.ProviderConfig, error) {
	var (
		cfg                   models.ProviderConfig
		key, secret, endpoint sql.NullString
		params                sql.NullString
	)
	if err := row.Scan(&cfg.Name, &cfg.Enabled, &key, &secret, &endpoint, &params, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return cfg, err
	}
	cfg.APIKey = key.String
	cfg.APISecret = secret.String
	cfg.Endpoint = endpoint.String
	if params.String != "" {
		cfg.Params = []byte(params.String)
	}
	return cfg, nil
}

// GetProviderConfig returns the stored config of name; false when absent.
func (s *Store) GetProviderConfig(ctx context.Context, name string) (models.ProviderConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+providerColumns+` FROM ws_provider_configs WHERE provider_name = ?`), name)
	cfg, err := scanProviderConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProviderConfig{}, false, nil
	}
	if err != nil {
		return models.ProviderConfig{}, false, models.StoreUnavailable("get provider config "+name, err)
	}
	return cfg, true, nil
}

func (s *Store) ListProviderConfigs(ctx context.Context) ([]models.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM ws_provider_configs ORDER BY provider_name`)
	if err != nil {
		return nil, models.StoreUnavailable("list provider configs", err)
	}
	defer rows.Close()

	var out []models.ProviderConfig
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, models.StoreUnavailable("scan provider config", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StoreUnavailable("list provider configs", err)
	}
	return out, nil
}

// DeleteProviderConfig reports whether a row was removed.
func (s *Store) DeleteProviderConfig(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ws_provider_configs WHERE provider_name = ?`), name)
	if err != nil {
		return false, models.StoreUnavailable("delete provider config "+name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetProviderEnabled reports whether the provider exists.
func (s *Store) SetProviderEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE ws_provider_configs SET enabled = ?, updated_at = ? WHERE provider_name = ?`),
		enabled, s.now().Unix(), name)
	if err != nil {
		return false, models.StoreUnavailable("toggle provider "+name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AddCondition stores c and returns its id.
func (s *Store) AddCondition(ctx context.Context, c models.MonitorCondition) (int64, error) {
	rec := c.Record()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.now().Unix()
	}
	var value2 sql.NullFloat64
	if rec.Value2 != nil {
		value2 = sql.NullFloat64{Float64: *rec.Value2, Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO monitor_conditions (provider, symbol, field, operator, value, value2, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		rec.Provider, rec.Symbol, rec.Field, rec.Operator, rec.Value, value2, rec.Enabled, rec.CreatedAt).Scan(&id)
	if err != nil {
		return 0, models.StoreUnavailable("add condition", err)
	}
	return id, nil
}

const conditionColumns = `id, provider, symbol, field, operator, value, value2, enabled, created_at`

// ListConditions returns every stored condition, newest first.
func (s *Store) ListConditions(ctx context.Context) ([]models.ConditionRecord, error) {
	return s.queryConditions(ctx, `SELECT `+conditionColumns+` FROM monitor_conditions ORDER BY created_at DESC, id DESC`)
}

// EnabledConditions returns the enabled conditions, oldest first.
func (s *Store) EnabledConditions(ctx context.Context) ([]models.ConditionRecord, error) {
	return s.queryConditions(ctx, s.rebind(`SELECT `+conditionColumns+` FROM monitor_conditions WHERE enabled = ? ORDER BY id`), true)
}

func (s *Store) queryConditions(ctx context.Context, query string, args ...interface{}) ([]models.ConditionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, models.StoreUnavailable("list conditions", err)
	}
	defer rows.Close()

	var out []models.ConditionRecord
	for rows.Next() {
		var (
			rec    models.ConditionRecord
			value2 sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Symbol, &rec.Field, &rec.Operator, &rec.Value, &value2, &rec.Enabled, &rec.CreatedAt); err != nil {
			return nil, models.StoreUnavailable("scan condition", err)
		}
		if value2.Valid {
			v := value2.Float64
			rec.Value2 = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StoreUnavailable("list conditions", err)
	}
	return out, nil
}

// DeleteCondition reports whether a row was removed.
func (s *Store) DeleteCondition(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM monitor_conditions WHERE id = ?`), id)
	if err != nil {
		return false, models.StoreUnavailable(fmt.Sprintf("delete condition %d", id), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SaveAlert stores a and returns its id.
func (s *Store) SaveAlert(ctx context.Context, a models.MonitorAlert) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO monitor_alerts (condition_id, provider, symbol, field, triggered_value, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		a.ConditionID, a.Provider, a.Symbol, a.Field.String(), a.TriggeredValue, a.TriggeredAt).Scan(&id)
	if err != nil {
		return 0, models.StoreUnavailable(fmt.Sprintf("save alert for condition %d", a.ConditionID), err)
	}
	return id, nil
}

// ListAlerts returns the latest alerts. A limit of zero or less means
// DefaultAlertLimit.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]models.MonitorAlert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, condition_id, provider, symbol, field, triggered_value, triggered_at
		FROM monitor_alerts
		ORDER BY triggered_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, models.StoreUnavailable("list alerts", err)
	}
	defer rows.Close()

	var out []models.MonitorAlert
	for rows.Next() {
		var (
			a     models.MonitorAlert
			field string
		)
		if err := rows.Scan(&a.ID, &a.ConditionID, &a.Provider, &a.Symbol, &field, &a.TriggeredValue, &a.TriggeredAt); err != nil {
			return nil, models.StoreUnavailable("scan alert", err)
		}
		f, err := models.ParseField(field)
		if err != nil {
			s.log.WithField("alert_id", a.ID).WithError(err).Warn("skipping alert with unknown field")
			continue
		}
		a.Field = f
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StoreUnavailable("list alerts", err)
	}
	return out, nil
}
