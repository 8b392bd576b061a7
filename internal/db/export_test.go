package db

import "github.com/jackc/pgx/v5"

var (
	NotFound  = notFound
	ErrNoRows = pgx.ErrNoRows
)
