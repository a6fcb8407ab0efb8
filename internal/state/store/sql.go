package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentalon/apichain/internal/orchestrator"
)

// SQLStore keeps chain records in the chains table of a sqlite or
// postgres database.
type SQLStore struct {
	db *DB
}

func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, name string, rec *orchestrator.Serialized) error {
	if err := checkSave(name, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("chain save: marshal: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.SQLDB().ExecContext(ctx, s.db.rebind(
		`INSERT INTO chains (id, name, chain_type, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET chain_type = excluded.chain_type, record = excluded.record, updated_at = excluded.updated_at`),
		newID(), name, rec.Type, string(data), now, now)
	if err != nil {
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, name string) (*orchestrator.Serialized, error) {
	var data string
	err := s.db.SQLDB().QueryRowContext(ctx, s.db.rebind(`SELECT record FROM chains WHERE name = ?`), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("chain load %s: %w", name, err)
	}
	var rec orchestrator.Serialized
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("chain load %s: decode: %w", name, err)
	}
	return &rec, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT id, name, chain_type, created_at, updated_at FROM chains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("chain list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created, updated string
		if err := rows.Scan(&e.ID, &e.Name, &e.ChainType, &created, &updated); err != nil {
			return nil, fmt.Errorf("chain list: scan: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.SQLDB().ExecContext(ctx, s.db.rebind(`DELETE FROM chains WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("chain delete %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
