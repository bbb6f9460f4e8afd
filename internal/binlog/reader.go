package binlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoData is returned by Next when no complete record follows the cursor.
var ErrNoData = errors.New("no binlog data")

// IndexSource reports the binlog file currently being written.
type IndexSource interface {
	CurrentIndex() int
}

// Reader walks the binlog from a cursor. Next looks at the record under
// the cursor and Advance moves past it, so a record whose processing
// failed is returned again.
type Reader struct {
	dir    string
	src    IndexSource
	file   *os.File
	index  int
	offset int64
	buf    [MaxLineLen]byte

	// OnRotate is called after the cursor moved to the start of a newer
	// file.
	OnRotate func(index int) error
}

// OpenReader opens a reader positioned at offset in binlog file index.
func OpenReader(dir string, src IndexSource, index int, offset int64) (*Reader, error) {
	if index < 0 || offset < 0 {
		return nil, fmt.Errorf("invalid binlog position %d:%d", index, offset)
	}
	r := &Reader{dir: dir, src: src, index: index, offset: offset}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	f, err := os.Open(FilePath(r.dir, r.index))
	if err != nil {
		return fmt.Errorf("open binlog %d: %w", r.index, err)
	}
	r.file = f
	return nil
}

// Position returns the cursor.
func (r *Reader) Position() (index int, offset int64) {
	return r.index, r.offset
}

// Next returns the record under the cursor and its length in bytes. When
// the current file is exhausted and the writer has moved on, the cursor
// follows to the next file.
func (r *Reader) Next() (Record, int, error) {
	for {
		n, err := r.file.ReadAt(r.buf[:], r.offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return Record{}, 0, fmt.Errorf("read binlog %d at %d: %w", r.index, r.offset, err)
		}
		if n == 0 {
			if r.index >= r.src.CurrentIndex() {
				return Record{}, 0, ErrNoData
			}
			r.index++
			r.offset = 0
			if err := r.open(); err != nil {
				return Record{}, 0, err
			}
			if r.OnRotate != nil {
				if err := r.OnRotate(r.index); err != nil {
					return Record{}, 0, err
				}
			}
			continue
		}

		end := bytes.IndexByte(r.buf[:n], '\n')
		if end < 0 {
			if n == len(r.buf) {
				return Record{}, 0, fmt.Errorf("%w: line at %d:%d exceeds %d bytes", ErrMalformed, r.index, r.offset, MaxLineLen)
			}
			// A record still being written.
			return Record{}, 0, ErrNoData
		}
		rec, err := parseRecord(r.buf[:end])
		if err != nil {
			return Record{}, 0, fmt.Errorf("binlog %d at %d: %w", r.index, r.offset, err)
		}
		return rec, end + 1, nil
	}
}

// Advance moves the cursor past a record of length n returned by Next.
func (r *Reader) Advance(n int) {
	r.offset += int64(n)
}

// SkipUntil advances over records stamped before ts and returns how many
// were skipped.
func (r *Reader) SkipUntil(ts int64) (int, error) {
	skipped := 0
	for {
		rec, n, err := r.Next()
		if errors.Is(err, ErrNoData) {
			return skipped, nil
		}
		if err != nil {
			return skipped, err
		}
		if rec.Timestamp >= ts {
			return skipped, nil
		}
		r.Advance(n)
		skipped++
	}
}

// Close closes the open binlog file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
