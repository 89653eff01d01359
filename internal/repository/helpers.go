package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ailways/study-relay/internal/database"
)

// getOne scans a single row into a T. No row is (nil, nil).
func getOne[T any](ctx context.Context, db database.DBTX, query string, args ...any) (*T, error) {
	var row T
	err := db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
