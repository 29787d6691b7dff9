package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/cnaize/geofw/src/core/logger"
)

//go:embed migrations/*
var migrations string

type Database struct {
	Q  *Queries
	DB *sql.DB

	path   string
	logger *logger.Logger
}

func NewDatabase(path string, logger *logger.Logger) *Database {
	return &Database{
		Q:      New(),
		path:   path,
		logger: logger,
	}
}

func (d *Database) Init(ctx context.Context) error {
	d.logger.Raw().Info().Str("path", d.path).Msg("Opening history database...")

	db, err := sql.Open("sqlite", d.path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	// one writer, the control loop
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	d.DB = db

	return nil
}

func (d *Database) Close() error {
	if d.DB == nil {
		return nil
	}

	return d.DB.Close()
}
