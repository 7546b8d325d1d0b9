package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mailgate-io/mailgate/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn        = sql.Open
	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub which deals with the mailbox database connection.
type Connection struct {
	ConnectionString   string
	DBName             string
	MigrationsPath     string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	db                 *sql.DB
	connected          bool
	mu                 sync.RWMutex
}

// initDefaults sets sane default values for zero-value fields.
func (c *Connection) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect keeps a singleton connection with postgres and runs pending
// migrations before the first ping.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller must hold c.mu.
func (c *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.db != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to mailbox database")

	db, err := dbOpenFn("pgx", c.ConnectionString)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to open database", log.String("error", sanitized))

		return fmt.Errorf("failed to open database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			db.Close()
		}
	}()

	db.SetMaxOpenConns(c.MaxOpenConnections)
	db.SetMaxIdleConns(c.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if c.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(c.MigrationsPath)
		if pathErr != nil {
			c.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(pathErr))
			return pathErr
		}

		if err := runMigrationsFn(db, migrationsPath, c.DBName, c.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.Err(err))
		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.db = db
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to mailbox database")

	success = true

	return nil
}

// GetDB returns the underlying connection pool, connecting if necessary.
func (c *Connection) GetDB(ctx context.Context) (*sql.DB, error) {
	c.mu.RLock()

	if c.db != nil {
		db := c.db
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if c.db != nil {
		return c.db, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.db, nil
}

// Close releases database connection resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		c.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the connection pool is initialized.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(db *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		logger.Log(context.Background(), log.LevelError, "invalid database name", log.Err(err))
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to parse migrations url", log.Err(err))
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to create migration driver", log.Err(err))
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to create migration instance", log.Err(err))
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(context.Background(), log.LevelInfo, "no new migrations found")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(context.Background(), log.LevelWarn, "no migration files found, skipping migration step")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(context.Background(), log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(context.Background(), log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
