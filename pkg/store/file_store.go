package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// FileStore is a MemoryStore that rewrites a local JSON file on every
// mutation (for simple durability). A mutation is visible only once the
// file has been replaced.
type FileStore struct {
	*MemoryStore
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	fs.persist = fs.save
	return fs, nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil // Start empty
	}
	if err != nil {
		return err
	}

	data := make(map[policy.ID]policy.Policy)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("corrupt policy file %s: %w", f.path, err)
	}
	for id, p := range data {
		f.policies[id] = p
		if p.Pending != nil {
			f.byCorr[p.Pending.CorrelationID] = id
		}
	}
	return nil
}

func (f *FileStore) save(data map[policy.ID]policy.Policy) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
