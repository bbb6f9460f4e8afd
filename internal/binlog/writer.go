package binlog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/filemesh/filemesh/internal/fsutil"
	"github.com/filemesh/filemesh/pkg/proto"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("binlog closed")

// Config holds writer settings.
type Config struct {
	Dir     string
	MaxSize int64 // rotate once a file reaches this size; DefaultMaxSize if zero
	// OnFatal is called when the writer can no longer append, after a
	// failed rotation. The process is expected to shut down.
	OnFatal func(error)
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Writer appends records to the current binlog file. It is safe for
// concurrent use; records are written whole and in order.
type Writer struct {
	cfg    Config
	logger zerolog.Logger
	lock   *os.File

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
	buf    []byte

	index atomic.Int64
}

// Open opens the binlog in cfg.Dir for writing, creating the directory and
// index file on first use. Only one process may hold a binlog open.
func Open(cfg Config) (*Writer, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create binlog dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "binlog").Logger(),
		buf:    make([]byte, 0, MaxLineLen),
	}

	lock, err := lockFile(filepath.Join(cfg.Dir, LockFile))
	if err != nil {
		return nil, err
	}
	w.lock = lock

	index, err := readIndex(cfg.Dir)
	if err != nil {
		_ = unlockFile(lock)
		return nil, err
	}
	w.index.Store(int64(index))

	f, err := os.OpenFile(FilePath(cfg.Dir, index), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		_ = unlockFile(lock)
		return nil, fmt.Errorf("open binlog: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = unlockFile(lock)
		return nil, fmt.Errorf("stat binlog: %w", err)
	}
	size, err := trimPartialTail(f, info.Size())
	if err != nil {
		_ = f.Close()
		_ = unlockFile(lock)
		return nil, err
	}
	if size != info.Size() {
		w.logger.Warn().Int("index", index).Int64("dropped", info.Size()-size).Msg("binlog ends with an incomplete record, truncated")
	}
	w.file = f
	w.size = size

	w.logger.Debug().Int("index", index).Int64("size", w.size).Msg("binlog opened")
	return w, nil
}

// trimPartialTail cuts f back to just after its last newline, dropping a
// record left incomplete by a crash. It returns the new size.
func trimPartialTail(f *os.File, size int64) (int64, error) {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		n := min(int64(len(buf)), end)
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, end-n); err != nil {
			return 0, fmt.Errorf("read binlog tail: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = end - n + int64(i) + 1
			break
		}
		end -= n
	}
	if end == size {
		return size, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, fmt.Errorf("truncate binlog tail: %w", err)
	}
	return end, nil
}

func readIndex(dir string) (int, error) {
	path := filepath.Join(dir, IndexFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeIndex(dir, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read binlog index: %w", err)
	}
	index, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse binlog index %q: %w", data, err)
	}
	if index < 0 {
		return 0, fmt.Errorf("binlog index %d < 0", index)
	}
	return index, nil
}

func writeIndex(dir string, index int) error {
	if err := fsutil.WriteFile(filepath.Join(dir, IndexFile), []byte(strconv.Itoa(index)), 0644); err != nil {
		return fmt.Errorf("write binlog index: %w", err)
	}
	return nil
}

// Dir returns the binlog directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// CurrentIndex returns the number of the file being written.
func (w *Writer) CurrentIndex() int { return int(w.index.Load()) }

// Write appends a record for filename stamped with the current time.
func (w *Writer) Write(op Op, filename string) error {
	if !op.Valid() {
		return proto.Statusf(syscall.EINVAL, "invalid binlog op %q", byte(op))
	}
	if err := ValidateFilename(filename); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	w.buf = Record{Timestamp: w.cfg.Now().Unix(), Op: op, Filename: filename}.append(w.buf[:0])
	if n, err := w.file.Write(w.buf); err != nil {
		err = fmt.Errorf("write binlog: %w", err)
		if n > 0 {
			if truncErr := w.file.Truncate(w.size); truncErr != nil {
				w.failLocked(errors.Join(err, fmt.Errorf("truncate binlog: %w", truncErr)))
			}
		}
		return err
	}
	w.size += int64(len(w.buf))
	if w.size < w.cfg.MaxSize {
		return nil
	}
	if err := w.rotateLocked(); err != nil {
		w.logger.Error().Err(err).Msg("binlog rotation failed, process exit")
		w.failLocked(err)
		return err
	}
	return nil
}

// failLocked stops further appends and reports err as fatal.
func (w *Writer) failLocked(err error) {
	w.closed = true
	if w.cfg.OnFatal != nil {
		w.cfg.OnFatal(err)
	}
}

func (w *Writer) rotateLocked() error {
	next := w.CurrentIndex() + 1
	if err := writeIndex(w.cfg.Dir, next); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("close binlog")
	}
	w.file = nil

	path := FilePath(w.cfg.Dir, next)
	if fsutil.Exists(path) {
		w.logger.Warn().Str("path", path).Msg("binlog file already exists, truncating")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open binlog %d: %w", next, err)
	}
	w.file = f
	w.size = 0
	w.index.Store(int64(next))
	w.logger.Info().Int("index", next).Msg("binlog rotated")
	return nil
}

// Close closes the current file and releases the process lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lock == nil {
		return nil
	}
	w.closed = true
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	if unlockErr := unlockFile(w.lock); unlockErr != nil && err == nil {
		err = unlockErr
	}
	w.lock = nil
	return err
}
