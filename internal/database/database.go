package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"

	schemeSQLite      = "sqlite://"
	memoryPath        = ":memory:"
	defaultSQLiteFile = "addreams.db"
)

// ErrUnsupportedScheme is returned for DSNs that match no driver.
var ErrUnsupportedScheme = errors.New("unsupported database scheme")

// Handle wraps an open gorm connection and its driver.
type Handle struct {
	DB     *gorm.DB
	Driver Driver
	DSN    string
}

// Close releases the underlying connection pool.
func (handle *Handle) Close() error {
	sqlDB, err := handle.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open connects to postgres:// URLs or SQLite paths (sqlite:// URLs or bare paths).
// SQLite handles are limited to one open connection so writers serialize.
func Open(ctx context.Context, dsn string) (*Handle, error) {
	driver, target, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	config := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(target), config)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(target), config)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &Handle{DB: db, Driver: driver, DSN: target}, nil
}

// ResolveDriver maps a DSN to its driver and the connection target.
func ResolveDriver(dsn string) (Driver, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: empty dsn", ErrUnsupportedScheme)
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return DriverPostgres, trimmed, nil
	}
	if strings.HasPrefix(trimmed, schemeSQLite) {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	if strings.Contains(trimmed, "://") {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, trimmed)
	}
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == memoryPath {
		return path, nil
	}
	cleaned := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return "", err
	}
	return cleaned, nil
}
