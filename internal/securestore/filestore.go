package securestore

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists the whole key space as one encrypted snapshot file,
// sealed under a platform-provided secret. Every mutation rewrites the
// snapshot; the key space of the security core is small, so snapshot writes
// stay cheap even under the wipe tiers' bulk traffic.
type FileStore struct {
	mu      sync.Mutex
	path    string
	secret  string
	entries map[string]string
	loaded  bool
}

type persistedSnapshot struct {
	Version int               `json:"version"`
	Entries map[string]string `json:"entries"`
}

// NewFileStore opens (or lazily creates) the snapshot at path. A missing
// file is the defined first-boot state, not an error.
func NewFileStore(path, secret string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	secret = strings.TrimSpace(secret)
	if path == "" || secret == "" {
		return nil, errors.New("securestore: path and secret are required")
	}
	return &FileStore{path: path, secret: secret}, nil
}

func (f *FileStore) Read(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return "", false, err
	}
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *FileStore) Write(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	f.entries[key] = value
	return f.persistLocked()
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return err
	}
	delete(f.entries, key)
	return f.persistLocked()
}

func (f *FileStore) Keys(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) DeleteAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]string)
	f.loaded = true
	return f.persistLocked()
}

func (f *FileStore) ensureLoaded() error {
	if f.loaded {
		return nil
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.entries = make(map[string]string)
			f.loaded = true
			return nil
		}
		return err
	}
	plaintext, err := Open(f.secret, raw)
	if err != nil {
		return err
	}
	var snap persistedSnapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return ErrEnvelopeInvalid
	}
	if snap.Version != 1 {
		return ErrEnvelopeInvalid
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]string)
	}
	f.entries = snap.Entries
	f.loaded = true
	return nil
}

func (f *FileStore) persistLocked() error {
	payload, err := json.Marshal(persistedSnapshot{Version: 1, Entries: f.entries})
	if err != nil {
		return err
	}
	sealed, err := Seal(f.secret, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.path, sealed, 0o600)
}
