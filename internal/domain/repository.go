// Package domain defines the core interfaces and types for Regelwerk.
package domain

import (
	"context"
	"io"
	"time"
)

// Repository drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// RuleStore persists rule configurations. Deleting a rule disables it;
// disabled rules are not listed.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
	DeleteRuleConfig(ctx context.Context, tenantID string, ruleID string) error
}

// RuleSetStore persists rule sets with the same semantics as RuleStore.
type RuleSetStore interface {
	SaveRuleSet(ctx context.Context, tenantID string, set *RuleSet) error
	GetRuleSet(ctx context.Context, tenantID string, setID string) (*RuleSet, error)
	ListRuleSets(ctx context.Context, tenantID string) ([]*RuleSet, error)
	DeleteRuleSet(ctx context.Context, tenantID string, setID string) error
}

// CalculationStore keeps finished calculations for later retrieval.
type CalculationStore interface {
	SaveCalculation(ctx context.Context, tenantID string, calc *Calculation) error
	GetCalculation(ctx context.Context, tenantID string, calcID string) (*Calculation, error)
}

// Repository is the complete persistence layer. Every method is scoped
// to a tenant; an empty tenant ID is rejected.
type Repository interface {
	RuleStore
	RuleSetStore
	CalculationStore

	Ping(ctx context.Context) error
	io.Closer
}

// RepositoryConfig selects and tunes the database.
type RepositoryConfig struct {
	Driver string `json:"driver"` // DriverSQLite or DriverPostgres

	// SQLitePath is a file path, or ":memory:" for a private in-memory database.
	SQLitePath string `json:"sqlitePath,omitempty"`

	PostgresHost     string `json:"postgresHost,omitempty"`
	PostgresPort     int    `json:"postgresPort,omitempty"`
	PostgresUser     string `json:"postgresUser,omitempty"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb,omitempty"`
	PostgresSSLMode  string `json:"postgresSslMode,omitempty"`

	MaxOpenConns    int           `json:"maxOpenConns,omitempty"`
	MaxIdleConns    int           `json:"maxIdleConns,omitempty"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime,omitempty"`
}
