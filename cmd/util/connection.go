package util

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgtrack/pgtrack/internal/config"
	"github.com/pgtrack/pgtrack/internal/logger"
)

// Connect opens a database/sql pool for the given connection parameters and
// verifies it with a ping.
func Connect(ctx context.Context, cfg *config.ConnectionConfig) (*sql.DB, error) {
	log := logger.Get()

	log.Debug("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
		"user", cfg.User,
		"sslmode", cfg.SSLMode,
		"application_name", cfg.ApplicationName,
	)

	db, err := sql.Open("pgx", BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// BuildDSN renders a keyword/value PostgreSQL connection string.
func BuildDSN(cfg *config.ConnectionConfig) string {
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("dbname=%s", cfg.Database),
		fmt.Sprintf("user=%s", cfg.User),
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	if cfg.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	}
	if cfg.ApplicationName != "" {
		parts = append(parts, fmt.Sprintf("application_name=%s", cfg.ApplicationName))
	}
	return strings.Join(parts, " ")
}
