// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/regelwerk/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration and migrates its schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx := context.Background()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case domain.DriverSQLite:
		db, err = openSQLite(ctx, cfg)
	case domain.DriverPostgres:
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 && cfg.SQLitePath != MemoryPath {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// migrate applies the migrations newer than the recorded schema version,
// each in its own transaction.
func (r *SQLRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := r.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Debug("schema migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func (r *SQLRepository) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (r *SQLRepository) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		r.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
// Saving an existing ID replaces the stored rule.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" || len(rule.Rule) == 0 {
		return fmt.Errorf("%w: rule id and rule tree are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, kind, unit, rule, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			kind = excluded.kind,
			unit = excluded.unit,
			rule = excluded.rule,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, string(rule.Kind), rule.Unit, string(rule.Rule), boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

const ruleConfigColumns = `id, tenant_id, name, description, version, kind, unit, rule, enabled, created_at, updated_at`

// GetRuleConfig retrieves an enabled rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleConfigColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves all enabled rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleConfigColumns + `
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error {
	return r.softDelete(ctx, "rule_configs", tenantID, ruleID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description, unit sql.NullString
	var kind, rule string
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &description,
		&cfg.Version, &kind, &unit, &rule, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Unit = unit.String
	cfg.Kind = domain.RuleKind(kind)
	cfg.Rule = json.RawMessage(rule)
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// SaveRuleSet stores a rule set configuration with tenant isolation.
func (r *SQLRepository) SaveRuleSet(ctx context.Context, tenantID string, set *domain.RuleSet) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if set.ID == "" {
		return fmt.Errorf("%w: rule set id is required", ErrInvalidInput)
	}

	positions, err := json.Marshal(set.Positions)
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}

	now := time.Now().UTC()
	if set.CreatedAt.IsZero() {
		set.CreatedAt = now
	}
	set.UpdatedAt = now

	query := `
		INSERT INTO rule_sets (
			id, tenant_id, name, description, version, currency, positions, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			currency = excluded.currency,
			positions = excluded.positions,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		set.ID, tenantID, set.Name, set.Description,
		set.Version, set.Currency, string(positions), boolToInt(set.Enabled),
		set.CreatedAt, set.UpdatedAt,
	)
	return err
}

const ruleSetColumns = `id, tenant_id, name, description, version, currency, positions, enabled, created_at, updated_at`

// GetRuleSet retrieves an enabled rule set with tenant isolation.
func (r *SQLRepository) GetRuleSet(ctx context.Context, tenantID string, setID string) (*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleSetColumns + `
		FROM rule_sets
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	set, err := scanRuleSet(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, setID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ListRuleSets retrieves all enabled rule sets for a tenant.
func (r *SQLRepository) ListRuleSets(ctx context.Context, tenantID string) ([]*domain.RuleSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + ruleSetColumns + `
		FROM rule_sets
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*domain.RuleSet
	for rows.Next() {
		set, err := scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}

	return sets, rows.Err()
}

// DeleteRuleSet soft-deletes a rule set by setting enabled = 0.
func (r *SQLRepository) DeleteRuleSet(ctx context.Context, tenantID string, setID string) error {
	return r.softDelete(ctx, "rule_sets", tenantID, setID)
}

func scanRuleSet(row rowScanner) (*domain.RuleSet, error) {
	var set domain.RuleSet
	var description, currency sql.NullString
	var positions string
	var enabled int

	if err := row.Scan(
		&set.ID, &set.TenantID, &set.Name, &description,
		&set.Version, &currency, &positions, &enabled,
		&set.CreatedAt, &set.UpdatedAt,
	); err != nil {
		return nil, err
	}

	set.Description = description.String
	set.Currency = currency.String
	set.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(positions), &set.Positions); err != nil {
		return nil, fmt.Errorf("failed to parse positions for rule set %s: %w", set.ID, err)
	}
	return &set, nil
}

// SaveCalculation stores a calculation result with tenant isolation.
func (r *SQLRepository) SaveCalculation(ctx context.Context, tenantID string, calc *domain.Calculation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	results, err := json.Marshal(calc.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	metadata, err := json.Marshal(calc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var ruleSet sql.NullString
	if calc.RuleSet != nil {
		data, err := json.Marshal(calc.RuleSet)
		if err != nil {
			return fmt.Errorf("failed to encode rule set result: %w", err)
		}
		ruleSet = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO calculations (
			id, tenant_id, status, timestamp, results, rule_set, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		calc.ID, tenantID, calc.Status, calc.Timestamp,
		string(results), ruleSet, string(metadata),
	)
	return err
}

// GetCalculation retrieves a calculation by ID with tenant isolation.
func (r *SQLRepository) GetCalculation(ctx context.Context, tenantID string, calcID string) (*domain.Calculation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, status, timestamp, results, rule_set, metadata
		FROM calculations
		WHERE tenant_id = ? AND id = ?
	`

	var calc domain.Calculation
	var results, metadata string
	var ruleSet sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, calcID).Scan(
		&calc.ID, &calc.TenantID, &calc.Status, &calc.Timestamp,
		&results, &ruleSet, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(results), &calc.Results); err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &calc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if ruleSet.Valid {
		calc.RuleSet = &domain.RuleSetResult{}
		if err := json.Unmarshal([]byte(ruleSet.String), calc.RuleSet); err != nil {
			return nil, fmt.Errorf("failed to parse rule set result: %w", err)
		}
	}

	return &calc, nil
}

func (r *SQLRepository) softDelete(ctx context.Context, table, tenantID, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE ` + table + `
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != domain.DriverPostgres {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
