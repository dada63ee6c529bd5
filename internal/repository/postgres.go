package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/regelwerk/internal/domain"
)

// openPostgres opens the pro-tier database through lib/pq.
func openPostgres(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn := postgresDSN(cfg)

	db, err := sql.Open("postgres", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := pingWithTimeout(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s: %w", dsn.Redacted(), err)
	}

	return db, nil
}

// postgresDSN builds a connection URL, so that credentials with special
// characters survive escaping.
func postgresDSN(cfg domain.RepositoryConfig) *url.URL {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "regelwerk"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		if cfg.PostgresPassword != "" {
			u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
		} else {
			u.User = url.User(cfg.PostgresUser)
		}
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "regelwerk")
	q.Set("connect_timeout", "5")
	u.RawQuery = q.Encode()

	return u
}
