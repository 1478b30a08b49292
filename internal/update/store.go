package update

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/treeline-dev/treeline/internal/target"
)

// FileStore persists the device's install history as a TOML file. It is
// the sole writer; everything else reads through the accessors.
type FileStore struct {
	path string

	mut   sync.Mutex
	state storeState
}

type storeState struct {
	CurrentHash string        `toml:"current_hash"`
	PendingHash string        `toml:"pending_hash"`
	History     []storeRecord `toml:"version"`
}

type storeRecord struct {
	Name    string `toml:"name"`
	Sha256  string `toml:"sha256"`
	Version int    `toml:"target_version"`
	// Installed means the device booted this version at some point. A
	// known version that never booted is a failed install, i.e. a
	// rollback candidate marker.
	Installed bool `toml:"installed"`
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := toml.DecodeFile(path, &s.state); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading installed versions db: %w", err)
	}
	return s, nil
}

// SaveInstalledVersion records a target. With current set the target
// becomes the booted version; otherwise it becomes the pending one.
func (s *FileStore) SaveInstalledVersion(t target.Target, current bool) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	record := s.upsert(t)
	if current {
		record.Installed = true
		s.state.CurrentHash = t.Sha256
		if s.state.PendingHash == t.Sha256 {
			s.state.PendingHash = ""
		}
	} else {
		s.state.PendingHash = t.Sha256
	}
	return s.persist()
}

// MarkCurrent finalizes the pending version: it becomes the booted one.
func (s *FileStore) MarkCurrent(t target.Target) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	record := s.upsert(t)
	record.Installed = true
	s.state.CurrentHash = t.Sha256
	s.state.PendingHash = ""
	return s.persist()
}

// ClearPending drops the pending marker, e.g. after a rollback resolved it.
func (s *FileStore) ClearPending() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.state.PendingHash = ""
	return s.persist()
}

func (s *FileStore) Current() (target.Target, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lookupLocked(s.state.CurrentHash)
}

// Lookup resolves a commit hash against the install history.
func (s *FileStore) Lookup(sha256 string) (target.Target, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lookupLocked(sha256)
}

func (s *FileStore) Pending() (target.Target, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.lookupLocked(s.state.PendingHash)
}

// Known returns every version the device has seen, in install-history
// order.
func (s *FileStore) Known() []target.Target {
	s.mut.Lock()
	defer s.mut.Unlock()

	out := make([]target.Target, 0, len(s.state.History))
	for _, r := range s.state.History {
		out = append(out, r.toTarget())
	}
	return out
}

// WasInstalled reports whether the device ever booted the given commit.
func (s *FileStore) WasInstalled(sha256 string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.state.History {
		if r.Sha256 == sha256 {
			return r.Installed
		}
	}
	return false
}

// Knows reports whether the commit appears in the install history at all.
func (s *FileStore) Knows(sha256 string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.state.History {
		if r.Sha256 == sha256 {
			return true
		}
	}
	return false
}

func (s *FileStore) lookupLocked(hash string) (target.Target, bool) {
	if hash == "" {
		return target.Unknown(), false
	}
	for _, r := range s.state.History {
		if r.Sha256 == hash {
			return r.toTarget(), true
		}
	}
	return target.Unknown(), false
}

func (s *FileStore) upsert(t target.Target) *storeRecord {
	for i := range s.state.History {
		if s.state.History[i].Sha256 == t.Sha256 {
			s.state.History[i].Name = t.Name
			s.state.History[i].Version = t.Version()
			return &s.state.History[i]
		}
	}
	s.state.History = append(s.state.History, storeRecord{
		Name:    t.Name,
		Sha256:  t.Sha256,
		Version: t.Version(),
	})
	return &s.state.History[len(s.state.History)-1]
}

func (s *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating installed versions db dir: %w", err)
	}
	file, err := os.CreateTemp(filepath.Dir(s.path), ".installed_versions-*")
	if err != nil {
		return fmt.Errorf("writing installed versions db: %w", err)
	}
	defer os.Remove(file.Name())

	if err := toml.NewEncoder(file).Encode(&s.state); err != nil {
		file.Close()
		return fmt.Errorf("encoding installed versions db: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(file.Name(), s.path)
}

func (r storeRecord) toTarget() target.Target {
	return target.Target{
		Name:   r.Name,
		Sha256: r.Sha256,
		Custom: map[string]any{"version": fmt.Sprintf("%d", r.Version)},
	}
}
