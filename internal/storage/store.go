package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/filemesh/filemesh/internal/binlog"
	"github.com/filemesh/filemesh/internal/fsutil"
	"github.com/filemesh/filemesh/pkg/proto"
)

// MetaSuffix is appended to a file name to name its metadata file.
const MetaSuffix = "-m"

// MetaName returns the metadata file name of name.
func MetaName(name string) string { return name + MetaSuffix }

// Store is the flat file area of a storage node. Files and their metadata
// files live side by side; the binlog directory and dot files are
// reserved.
type Store struct {
	dir string
	now func() time.Time
	seq atomic.Uint32
}

// NewStore opens the file area rooted at dir, creating it when missing.
func NewStore(dir string, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{dir: dir, now: now}, nil
}

// Dir returns the root of the file area.
func (s *Store) Dir() string { return s.dir }

// Path returns the on-disk path of name.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// ValidateName rejects names that cannot be stored or would escape the
// file area.
func ValidateName(name string) error {
	if err := binlog.ValidateFilename(name); err != nil {
		return err
	}
	if strings.HasPrefix(name, ".") || name == binlog.SyncDir {
		return proto.Statusf(syscall.EINVAL, "reserved filename %q", name)
	}
	return nil
}

// NewName generates an unused file name with the given extension.
func (s *Store) NewName(ext string) string {
	for {
		name := fmt.Sprintf("%08x%06x", uint32(s.now().Unix()), s.seq.Add(1)&0xffffff)
		if ext != "" {
			name += "." + ext
		}
		if !fsutil.Exists(s.Path(name)) {
			return name
		}
	}
}

// Exists reports whether name is a stored file.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && info.Mode().IsRegular()
}

// Write stores size bytes from r as name, replacing any existing file.
func (s *Store) Write(name string, r io.Reader, size int64) error {
	if _, err := fsutil.WriteFrom(s.Path(name), r, size, 0644); err != nil {
		return err
	}
	return nil
}

// Remove deletes name. A missing file is reported as ENOENT.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return proto.Statusf(syscall.ENOENT, "file %s not found", name)
	}
	return err
}

// Open opens name for reading. A missing file is reported as ENOENT.
func (s *Store) Open(name string) (*os.File, int64, error) {
	f, err := os.Open(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, proto.Statusf(syscall.ENOENT, "file %s not found", name)
	}
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, proto.Statusf(syscall.ENOENT, "file %s not found", name)
	}
	return f, info.Size(), nil
}

// ReadMeta returns the metadata of name, nil if it has none.
func (s *Store) ReadMeta(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(MetaName(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// WriteMeta replaces the metadata of name.
func (s *Store) WriteMeta(name string, packed []byte) error {
	return fsutil.WriteFile(s.Path(MetaName(name)), packed, 0644)
}
