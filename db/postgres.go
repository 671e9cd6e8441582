package db

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"node.town/speechbuf/etc"
	"node.town/speechbuf/stt"
)

//go:embed db_init.sql
var sqlFS embed.FS

// Store keeps final recognition results. It satisfies stt.ResultSink.
type Store struct {
	*Queries
	pool   *pgxpool.Pool
	logger *log.Logger
}

func Open(ctx context.Context, url string, logger *log.Logger) (*Store, error) {
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	sqlFile, err := sqlFS.ReadFile("db_init.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf(
			"failed to read embedded db_init.sql: %w",
			err,
		)
	}

	_, err = pool.Exec(ctx, string(sqlFile))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf(
			"failed to execute embedded db_init.sql: %w",
			err,
		)
	}

	return NewStore(New(pool), pool, logger), nil
}

func NewStore(queries *Queries, pool *pgxpool.Pool, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{Queries: queries, pool: pool, logger: logger}
}

func (s *Store) SaveRecognition(
	ctx context.Context,
	sessionID string,
	result stt.Result,
) error {
	id := etc.NewFreshID()
	err := s.InsertRecognition(ctx, InsertRecognitionParams{
		ID:        id,
		SessionID: sessionID,
		Text:      result.Text,
		StartMs:   result.AbsoluteStart.Milliseconds(),
		EndMs:     result.AbsoluteEnd.Milliseconds(),
		Turn:      int32(result.Turn),
	})
	if err != nil {
		return fmt.Errorf("failed to save recognition: %w", err)
	}

	s.logger.Debug("saved recognition", "id", id, "session", sessionID)
	return nil
}

func (s *Store) RecentRecognitions(ctx context.Context, limit int) ([]Recognition, error) {
	recognitions, err := s.GetRecentRecognitions(ctx, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent recognitions: %w", err)
	}
	return recognitions, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
