// Package binlog is the storage node's replication log: an append-only
// sequence of rotating text files recording every file operation, read
// back by one cursor per peer.
package binlog

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/filemesh/filemesh/pkg/proto"
)

const (
	// SyncDir is the binlog directory under the storage data path.
	SyncDir = "sync"
	// IndexFile holds the number of the binlog file being written.
	IndexFile = "binlog.index"
	// LockFile is held exclusively by the process writing the binlog.
	LockFile = "binlog.lock"

	// MaxLineLen bounds one record including its newline.
	MaxLineLen = 256

	// DefaultMaxSize is the size at which a binlog file is rotated.
	DefaultMaxSize = 1 << 30
)

// ErrMalformed reports a binlog line that cannot be parsed.
var ErrMalformed = errors.New("malformed binlog record")

// Op is a binlog operation. Upper case ops were performed by a client on
// this node; lower case ops were replicated from a peer.
type Op byte

const (
	OpCreate        Op = 'C'
	OpDelete        Op = 'D'
	OpUpdate        Op = 'U'
	OpReplicaCreate Op = 'c'
	OpReplicaDelete Op = 'd'
	OpReplicaUpdate Op = 'u'
)

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpDelete, OpUpdate, OpReplicaCreate, OpReplicaDelete, OpReplicaUpdate:
		return true
	}
	return false
}

// Replica reports whether o was replicated from a peer.
func (o Op) Replica() bool {
	return o == OpReplicaCreate || o == OpReplicaDelete || o == OpReplicaUpdate
}

// Delete reports whether o removes a file.
func (o Op) Delete() bool {
	return o == OpDelete || o == OpReplicaDelete
}

func (o Op) String() string { return string(rune(o)) }

// Record is one binlog line.
type Record struct {
	Timestamp int64
	Op        Op
	Filename  string
}

func (r Record) String() string {
	return fmt.Sprintf("%d %c %s", r.Timestamp, r.Op, r.Filename)
}

func (r Record) append(b []byte) []byte {
	b = strconv.AppendInt(b, r.Timestamp, 10)
	b = append(b, ' ', byte(r.Op), ' ')
	b = append(b, r.Filename...)
	return append(b, '\n')
}

// ValidateFilename checks that name can be stored in a record.
func ValidateFilename(name string) error {
	if name == "" {
		return proto.Statusf(syscall.EINVAL, "empty filename")
	}
	if len(name) > proto.MaxFilenameLen {
		return proto.Statusf(syscall.EINVAL, "filename %q longer than %d", name, proto.MaxFilenameLen)
	}
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case ' ', '\n', '\r', '\t', 0, '/':
			return proto.Statusf(syscall.EINVAL, "filename %q contains %q", name, name[i])
		}
	}
	return nil
}

// parseRecord parses a line without its trailing newline.
func parseRecord(line []byte) (Record, error) {
	fields := bytes.SplitN(line, []byte{' '}, 3)
	if len(fields) < 3 {
		return Record{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(fields))
	}
	ts, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, fields[0])
	}
	if len(fields[1]) != 1 || !Op(fields[1][0]).Valid() {
		return Record{}, fmt.Errorf("%w: op %q", ErrMalformed, fields[1])
	}
	name := string(fields[2])
	if err := ValidateFilename(name); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Record{Timestamp: ts, Op: Op(fields[1][0]), Filename: name}, nil
}

// FilePath returns the path of binlog file index in dir.
func FilePath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("binlog.%03d", index))
}
