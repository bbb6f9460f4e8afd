package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/filemesh/filemesh/internal/fsutil"
)

// RosterFile is the name of the saved roster inside the tracker data dir.
const RosterFile = "storages.json"

// FileRoster persists the directory as JSON with a checksum.
type FileRoster struct {
	path string
}

type rosterSnapshot struct {
	Generation uint64    `json:"generation"`
	SavedAt    time.Time `json:"saved_at"`
	Groups     []*Group  `json:"groups"`
	Checksum   string    `json:"checksum"` // SHA256 of groups JSON
}

// NewFileRoster stores the roster under dir.
func NewFileRoster(dir string) *FileRoster {
	return &FileRoster{path: filepath.Join(dir, RosterFile)}
}

// Path returns the roster file location.
func (r *FileRoster) Path() string { return r.path }

// SaveStorages writes every group and storage in s.
func (r *FileRoster) SaveStorages(s *Snapshot) error {
	groupsJSON, err := json.Marshal(s.Groups)
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}
	hash := sha256.Sum256(groupsJSON)

	data, err := json.MarshalIndent(rosterSnapshot{
		Generation: s.Generation,
		SavedAt:    time.Now().UTC(),
		Groups:     s.Groups,
		Checksum:   hex.EncodeToString(hash[:]),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create roster dir: %w", err)
	}
	return fsutil.WriteFile(r.path, data, 0644)
}

// Load reads the saved roster. A missing file yields no groups.
func (r *FileRoster) Load() ([]*Group, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var snap rosterSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal roster: %w", err)
	}

	groupsJSON, err := json.Marshal(snap.Groups)
	if err != nil {
		return nil, fmt.Errorf("marshal groups for checksum: %w", err)
	}
	hash := sha256.Sum256(groupsJSON)
	if hex.EncodeToString(hash[:]) != snap.Checksum {
		return nil, fmt.Errorf("roster checksum mismatch in %s", r.path)
	}
	return snap.Groups, nil
}
