package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/apichain/internal/orchestrator"
)

const fileExt = ".yaml"

// FileStore keeps one YAML document per chain in a directory, so records
// can be reviewed and edited by hand.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

type fileRecord struct {
	ID        string                   `yaml:"id"`
	CreatedAt time.Time                `yaml:"created_at"`
	UpdatedAt time.Time                `yaml:"updated_at"`
	Chain     *orchestrator.Serialized `yaml:"chain"`
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state store: directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+fileExt)
}

func (s *FileStore) read(name string) (*fileRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("chain load %s: %w", name, err)
	}
	var rec fileRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("chain load %s: decode: %w", name, err)
	}
	return &rec, nil
}

func (s *FileStore) Save(_ context.Context, name string, rec *orchestrator.Serialized) error {
	if err := checkSave(name, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := &fileRecord{ID: newID(), CreatedAt: now, UpdatedAt: now, Chain: rec}
	if old, err := s.read(name); err == nil {
		stored.ID = old.ID
		stored.CreatedAt = old.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := yaml.Marshal(stored)
	if err != nil {
		return fmt.Errorf("chain save: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chain save %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, name string) (*orchestrator.Serialized, error) {
	rec, err := s.read(name)
	if err != nil {
		return nil, err
	}
	return rec.Chain, nil
}

func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("chain list: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if e.IsDir() || !ok || ValidateName(name) != nil {
			continue
		}
		rec, err := s.read(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			ID:        rec.ID,
			Name:      name,
			ChainType: chainType(rec.Chain),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	sortEntries(out)
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("chain delete %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
