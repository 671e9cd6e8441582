package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"node.town/speechbuf/stt"
)

type MockDB struct {
	execSQL  []string
	execArgs [][]interface{}
	execErr  error

	rows [][]interface{}
}

func (m *MockDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	m.execSQL = append(m.execSQL, sql)
	m.execArgs = append(m.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 1"), m.execErr
}

func (m *MockDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return &MockRows{rows: m.rows, index: -1}, nil
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return &MockRows{rows: [][]interface{}{{int64(len(m.rows))}}, index: 0}
}

type MockRows struct {
	rows  [][]interface{}
	index int
}

func (r *MockRows) Close()                                       {}
func (r *MockRows) Err() error                                   { return nil }
func (r *MockRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *MockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *MockRows) RawValues() [][]byte                          { return nil }
func (r *MockRows) Conn() *pgx.Conn                              { return nil }

func (r *MockRows) Next() bool {
	r.index++
	return r.index < len(r.rows)
}

func (r *MockRows) Values() ([]interface{}, error) {
	return r.rows[r.index], nil
}

func (r *MockRows) Scan(dest ...interface{}) error {
	row := r.rows[r.index]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = row[i].(string)
		case *int64:
			*d = row[i].(int64)
		case *int32:
			*d = row[i].(int32)
		case *time.Time:
			*d = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestSaveRecognition(t *testing.T) {
	mock := &MockDB{}
	store := NewStore(New(mock), nil, log.New(io.Discard))

	var sink stt.ResultSink = store
	err := sink.SaveRecognition(context.Background(), "session-1", stt.Result{
		Text:          "hello",
		AbsoluteStart: 1500 * time.Millisecond,
		AbsoluteEnd:   2250 * time.Millisecond,
		Final:         true,
		Turn:          2,
	})
	if err != nil {
		t.Fatalf("SaveRecognition failed: %v", err)
	}

	if len(mock.execSQL) != 1 || !strings.Contains(mock.execSQL[0], "INSERT INTO recognitions") {
		t.Fatalf("Expected one insert, got %v", mock.execSQL)
	}

	args := mock.execArgs[0]
	if id, ok := args[0].(string); !ok || id == "" {
		t.Errorf("Expected a generated id, got %v", args[0])
	}
	want := []interface{}{"session-1", "hello", int64(1500), int64(2250), int32(2)}
	for i, w := range want {
		if args[i+1] != w {
			t.Errorf("Argument %d: expected %v, got %v", i+1, w, args[i+1])
		}
	}
}

func TestSaveRecognitionError(t *testing.T) {
	mock := &MockDB{execErr: errors.New("connection reset")}
	store := NewStore(New(mock), nil, log.New(io.Discard))

	err := store.SaveRecognition(context.Background(), "s", stt.Result{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestRecentRecognitions(t *testing.T) {
	created := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	mock := &MockDB{rows: [][]interface{}{
		{"b", "s1", "second", int64(1000), int64(2000), int32(1), created.Add(time.Second)},
		{"a", "s1", "first", int64(0), int64(1000), int32(1), created},
	}}
	store := NewStore(New(mock), nil, log.New(io.Discard))

	recognitions, err := store.RecentRecognitions(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRecognitions failed: %v", err)
	}
	if len(recognitions) != 2 {
		t.Fatalf("Expected 2 recognitions, got %d", len(recognitions))
	}
	if recognitions[0].Text != "second" || recognitions[0].EndMs != 2000 {
		t.Errorf("Unexpected first row: %+v", recognitions[0])
	}
	if !recognitions[1].CreatedAt.Equal(created) {
		t.Errorf("Expected created at %v, got %v", created, recognitions[1].CreatedAt)
	}

	count, err := store.CountRecognitionsForSession(context.Background(), "s1")
	if err != nil || count != 2 {
		t.Errorf("Expected count 2, got %d, %v", count, err)
	}

	store.Close()
}
