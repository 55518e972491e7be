// Package registry keeps the directory of running nodes, workers and
// dashboards, and checks that a registered process is still reachable.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

var (
	// ErrProcessExists indicates a record with the same id is registered.
	ErrProcessExists = errors.New("process already registered")

	// ErrProcessNotFound indicates the id is not registered.
	ErrProcessNotFound = errors.New("process not found")

	// ErrUnreachable indicates the process failed its health probe.
	ErrUnreachable = errors.New("process unreachable")
)

// Store persists process records. Register is atomic: of two concurrent
// registrations with one id, exactly one succeeds.
type Store interface {
	Register(ctx context.Context, rec models.ProcessRecord) error
	Deregister(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.ProcessRecord, error)
	// List returns records of the given type, or all when typ is empty.
	List(ctx context.Context, typ models.ProcessType) ([]models.ProcessRecord, error)
}

// MemoryStore is an in-memory Store for single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.ProcessRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.ProcessRecord)}
}

func (s *MemoryStore) Register(ctx context.Context, rec models.ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return ErrProcessExists
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrProcessNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) List(ctx context.Context, typ models.ProcessType) ([]models.ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProcessRecord
	for _, rec := range s.records {
		if typ == "" || rec.Type == typ {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Schema creates the process registry table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS scaly_processes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		hostname TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		version TEXT,
		concurrency INTEGER NOT NULL DEFAULT 0,
		auth_token TEXT
	)`,
}

// PostgresStore keeps records in a shared table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Register(ctx context.Context, rec models.ProcessRecord) error {
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scaly_processes (id, type, host, port, hostname, started_at, version, concurrency, auth_token)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID,
		string(rec.Type),
		rec.Host,
		rec.Port,
		rec.Hostname,
		startedAt,
		rec.Version,
		rec.Concurrency,
		rec.AuthToken,
	)
	if err != nil {
		return fmt.Errorf("register process: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProcessExists
	}
	return nil
}

func (s *PostgresStore) Deregister(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scaly_processes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deregister process: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProcessNotFound
	}
	return nil
}

const processColumns = `id, type, host, port, hostname, started_at, version, concurrency, auth_token`

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ProcessRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM scaly_processes WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProcessNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, typ models.ProcessType) ([]models.ProcessRecord, error) {
	query := `SELECT ` + processColumns + ` FROM scaly_processes`
	var args []any
	if typ != "" {
		query += ` WHERE type = $1`
		args = append(args, string(typ))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return out, nil
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner recordScanner) (*models.ProcessRecord, error) {
	var (
		rec       models.ProcessRecord
		typ       string
		hostname  sql.NullString
		version   sql.NullString
		authToken sql.NullString
	)
	if err := scanner.Scan(
		&rec.ID,
		&typ,
		&rec.Host,
		&rec.Port,
		&hostname,
		&rec.StartedAt,
		&version,
		&rec.Concurrency,
		&authToken,
	); err != nil {
		return nil, err
	}
	rec.Type = models.ProcessType(typ)
	rec.Hostname = hostname.String
	rec.Version = version.String
	rec.AuthToken = authToken.String
	return &rec, nil
}
