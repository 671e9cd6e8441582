package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

type Recognition struct {
	ID        string
	SessionID string
	Text      string
	StartMs   int64
	EndMs     int64
	Turn      int32
	CreatedAt time.Time
}

const insertRecognition = `
INSERT INTO recognitions (id, session_id, text, start_ms, end_ms, turn)
VALUES ($1, $2, $3, $4, $5, $6)
`

type InsertRecognitionParams struct {
	ID        string
	SessionID string
	Text      string
	StartMs   int64
	EndMs     int64
	Turn      int32
}

func (q *Queries) InsertRecognition(ctx context.Context, arg InsertRecognitionParams) error {
	_, err := q.db.Exec(ctx, insertRecognition,
		arg.ID,
		arg.SessionID,
		arg.Text,
		arg.StartMs,
		arg.EndMs,
		arg.Turn,
	)
	return err
}

const getRecentRecognitions = `
SELECT id, session_id, text, start_ms, end_ms, turn, created_at
FROM recognitions
ORDER BY created_at DESC
LIMIT $1
`

func (q *Queries) GetRecentRecognitions(ctx context.Context, limit int32) ([]Recognition, error) {
	rows, err := q.db.Query(ctx, getRecentRecognitions, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Recognition
	for rows.Next() {
		var i Recognition
		if err := rows.Scan(
			&i.ID,
			&i.SessionID,
			&i.Text,
			&i.StartMs,
			&i.EndMs,
			&i.Turn,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countRecognitionsForSession = `
SELECT count(*) FROM recognitions WHERE session_id = $1
`

func (q *Queries) CountRecognitionsForSession(ctx context.Context, sessionID string) (int64, error) {
	row := q.db.QueryRow(ctx, countRecognitionsForSession, sessionID)
	var count int64
	err := row.Scan(&count)
	return count, err
}
