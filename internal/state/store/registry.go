// Package store persists named chain records so a configured pipeline can
// be saved once and loaded later. SQL, Redis and YAML-directory backends
// share the Registry contract.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/apichain/internal/orchestrator"
)

// ErrNotFound is returned when no chain is stored under a name.
var ErrNotFound = errors.New("chain not found")

// Entry summarizes a stored chain.
type Entry struct {
	ID        string
	Name      string
	ChainType string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry stores chain records by name. Save replaces an existing record
// and keeps its ID and creation time.
type Registry interface {
	Save(ctx context.Context, name string, rec *orchestrator.Serialized) error
	Load(ctx context.Context, name string) (*orchestrator.Serialized, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName rejects names that are unsafe as file names or keys.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid chain name %q", name)
	}
	return nil
}

func checkSave(name string, rec *orchestrator.Serialized) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("chain %q: record is nil", name)
	}
	return nil
}

func newID() string {
	return "chain_" + uuid.New().String()
}

func chainType(rec *orchestrator.Serialized) string {
	if rec == nil {
		return ""
	}
	return rec.Type
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
