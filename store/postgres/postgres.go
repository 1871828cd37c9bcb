// Package postgres implements the relational and the time-series stores on
// PostgreSQL (the latter on a TimescaleDB instance).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // Register postgres driver
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const connectPingTimeout = 5 * time.Second

//go:embed migrations
var migrations embed.FS

// Schema names a set of embedded migrations.
type Schema string

const (
	SchemaSensors    Schema = "sensors"
	SchemaTimeSeries Schema = "timeseries"
)

// Open returns a pooled connection to the database at dsn.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres database")
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres database")
	}
	return db, nil
}

// Migrate applies the pending migrations of schema. Each schema keeps its
// own version table so both may share a database.
func Migrate(logger logrus.FieldLogger, db *sql.DB, schema Schema) error {
	files, err := fs.Sub(migrations, "migrations/"+string(schema))
	if err != nil {
		return errors.Wrapf(err, "unknown schema %s", schema)
	}
	source, err := iofs.New(files, ".")
	if err != nil {
		return errors.Wrap(err, "failed to create migration source")
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: "schema_migrations_" + string(schema),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create database driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}

	logger = logger.WithField("schema", schema)
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return errors.Wrap(err, "failed to get current migration version")
	}
	if dirty {
		logger.WithField("version", version).Warn("Database is in dirty state, forcing current version")
		if err := m.Force(int(version)); err != nil {
			return errors.Wrapf(err, "failed to recover dirty migration state at version %d", version)
		}
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			logger.WithField("version", version).Debug("Database schema is up to date")
			return nil
		}
		return errors.Wrap(err, "failed to run migrations")
	}
	logger.Info("Database migrations completed")
	return nil
}
