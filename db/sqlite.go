package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"fosgate/api"
)

// HeaderFile is the sqlite file kept inside the header location.
const HeaderFile = "headers.db"

type State string

const (
	StateActive  State = "active"
	StateRemoved State = "removed"
)

// Header is the persisted description of a registered model. The classifier
// itself lives in ModelPath.
type Header struct {
	ID        uuid.UUID
	Config    *api.ModelConfig
	Format    api.Format
	ModelPath string
	State     State
	UpdatedAt time.Time
}

// HeaderStore keeps model headers in sqlite so the active set survives restarts.
type HeaderStore struct {
	db *sql.DB
}

// Open opens (creating when needed) the header database at path.
func Open(path string) (*HeaderStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS model_headers (
        id TEXT PRIMARY KEY,
        config_json TEXT NOT NULL,
        format TEXT NOT NULL,
        model_path TEXT NOT NULL,
        state TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_model_headers_state ON model_headers(state);
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return &HeaderStore{db: database}, nil
}

// Save inserts or replaces the header.
func (s *HeaderStore) Save(ctx context.Context, h Header) error {
	if h.Config == nil {
		return fmt.Errorf("%w: header %s has no config", api.ErrConfig, h.ID)
	}
	payload, err := json.Marshal(h.Config)
	if err != nil {
		return err
	}
	if h.State == "" {
		h.State = StateActive
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO model_headers (id, config_json, format, model_path, state, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID.String(), string(payload), string(h.Format), h.ModelPath, string(h.State), h.UpdatedAt)
	return err
}

// SetState moves a stored header to state. Unknown ids fail with api.ErrNotFound.
func (s *HeaderStore) SetState(ctx context.Context, id uuid.UUID, state State) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE model_headers SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: model %s", api.ErrNotFound, id)
	}
	return nil
}

// LoadActive returns every active header, oldest first.
func (s *HeaderStore) LoadActive(ctx context.Context) ([]Header, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, config_json, format, model_path, state, updated_at
        FROM model_headers
        WHERE state = ?
        ORDER BY updated_at ASC`, string(StateActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	headers := make([]Header, 0)
	for rows.Next() {
		var (
			id, configJSON, format, modelPath, state string
			h                                        Header
		)
		if err := rows.Scan(&id, &configJSON, &format, &modelPath, &state, &h.UpdatedAt); err != nil {
			return nil, err
		}
		if h.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: stored id %q: %v", api.ErrConfig, id, err)
		}
		h.Config = new(api.ModelConfig)
		if err := json.Unmarshal([]byte(configJSON), h.Config); err != nil {
			return nil, fmt.Errorf("%w: stored config for %s: %v", api.ErrConfig, id, err)
		}
		h.Format, h.ModelPath, h.State = api.Format(format), modelPath, State(state)
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

func (s *HeaderStore) Close() error {
	return s.db.Close()
}
