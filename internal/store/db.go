package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultMaxOpenConns = 20

// Open connects to Postgres through the pgx stdlib driver. maxOpen <= 0 uses
// the default pool size.
func Open(ctx context.Context, databaseURL string, maxOpen ...int) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	open := defaultMaxOpenConns
	if len(maxOpen) > 0 && maxOpen[0] > 0 {
		open = maxOpen[0]
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(open / 2)
	db.SetMaxOpenConns(open)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
