// Package networkdb stores network definitions (stops, routes, timetables,
// the depot, buses and their assignments) in SQLite. Simulation state is
// never stored.
package networkdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver

	"bussim.transitsim.org/internal/appconf"
	"bussim.transitsim.org/internal/logging"
)

//go:embed schema.sql
var ddl string

// Config configures a Client.
type Config struct {
	DBPath string
	Env    appconf.Environment
	Logger *slog.Logger
}

// Client is the main entry point for the store.
type Client struct {
	config Config
	DB     *sql.DB
	logger *slog.Logger
}

// NewClient opens the database and creates the schema.
func NewClient(config Config) (*Client, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	db, err := createDB(config)
	if err != nil {
		return nil, fmt.Errorf("unable to create DB: %w", err)
	}
	return &Client{
		config: config,
		DB:     db,
		logger: config.Logger.With(slog.String("component", "networkdb")),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) GetDBPath() string {
	return c.config.DBPath
}

func createDB(config Config) (*sql.DB, error) {
	if config.DBPath == "" {
		return nil, errors.New("database path must not be empty")
	}
	if config.Env == appconf.Test && config.DBPath != ":memory:" {
		return nil, fmt.Errorf("test database must use in-memory storage, got path: %s", config.DBPath)
	}

	dsn := config.DBPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	configureConnectionPool(db, config)

	ctx := context.Background()
	if err := performDatabaseMigration(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error performing database migration: %w", err)
	}
	logging.LogOperation(config.Logger, "network_db_ready", slog.String("path", config.DBPath))
	return db, nil
}

func performDatabaseMigration(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(ddl, "-- migrate") {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, trimmed); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", trimmed, err)
		}
	}
	return nil
}

// configureConnectionPool keeps :memory: databases on one connection, since
// every connection would otherwise see its own empty database.
func configureConnectionPool(db *sql.DB, config Config) {
	if config.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
}

var countedTables = []string{
	"stops", "routes", "route_stops", "companies", "timetables",
	"services", "time_slots", "depots", "buses", "assignments",
}

// TableCounts returns the row count of every network table.
func (c *Client) TableCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(countedTables))
	for _, table := range countedTables {
		var n int
		// table names come from the fixed list above
		if err := c.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
