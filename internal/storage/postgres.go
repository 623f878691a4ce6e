// Package storage is the gateway/nexus's external storage collaborator:
// the Store interface §6 calls out as external, backed by a lib/pq Postgres
// implementation. Individual procedure handler bodies are out of scope (see
// internal/rpc.Method's doc comment); this package supplies the connection,
// schema, and the handful of lookups the permission cache and room-visibility
// gate call directly, plus a registry point procedure handlers attach to.
//
// Grounded on the teacher's internal/db/database.go: same Config shape,
// same validateConfig regex-based injection guard, same connection pool
// tuning (25 max open, 5 max idle, 5min max lifetime, 1min max idle time),
// same sql.Open("postgres", ...)/Migrate()-executes-a-DDL-slice pattern,
// with NewPostgresForTesting mirroring NewDatabaseForTesting for sqlmock
// injection. The schema itself is this domain's (parties, rooms, messages,
// members, roles), not the teacher's session/template tables.
package storage

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/lanternfabric/core/internal/logger"
	"github.com/lanternfabric/core/internal/rpc"
)

// Config holds Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
	userRegex     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	dbNameRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// validateConfig rejects values that can't be safely interpolated into the
// connection string, since lib/pq's DSN has no placeholder form for these
// fields the way a query does.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("storage: host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil && !hostnameRegex.MatchString(config.Host) {
		return fmt.Errorf("storage: invalid host: %s", config.Host)
	}

	if config.Port == "" {
		return fmt.Errorf("storage: port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("storage: invalid port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("storage: user cannot be empty")
	}
	if !userRegex.MatchString(config.User) {
		return fmt.Errorf("storage: invalid user: %s", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("storage: database name cannot be empty")
	}
	if !dbNameRegex.MatchString(config.DBName) {
		return fmt.Errorf("storage: invalid database name: %s", config.DBName)
	}

	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("storage: invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		logger.Storage().Warn().Msg("database SSL/TLS is disabled, set DB_SSL_MODE=require for production")
	}

	return nil
}

// Postgres is the lib/pq-backed Store implementation.
type Postgres struct {
	db *sql.DB

	handlersMu sync.RWMutex
	handlers   map[rpc.Method]ProcedureHandler
}

// NewPostgres opens a connection pool against config, pings it, and returns
// a Postgres ready for Migrate. Pool limits match the teacher's tuning.
func NewPostgres(config Config) (*Postgres, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresForTesting wraps an existing *sql.DB (e.g. a sqlmock
// connection) as a Postgres. DO NOT use this outside tests.
func NewPostgresForTesting(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// DB returns the underlying *sql.DB for callers that need raw access
// (migrations, health checks).
func (p *Postgres) DB() *sql.DB { return p.db }
