package binlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/filemesh/filemesh/internal/fsutil"
)

// ErrMarkInvalid reports a mark file that is incomplete or out of range.
var ErrMarkInvalid = errors.New("invalid mark file")

const (
	markIndex       = "binlog_index"
	markOffset      = "binlog_offset"
	markNeedSyncOld = "need_sync_old"
	markSyncOldDone = "sync_old_done"
	markUntil       = "until_timestamp"
	markScanRows    = "scan_row_count"
	markSyncRows    = "sync_row_count"

	markKeys = 7
)

// Mark is the persisted replication progress towards one peer.
type Mark struct {
	Index  int
	Offset int64
	// NeedSyncOld is set when this node must also replay records it
	// received from other peers before UntilTimestamp.
	NeedSyncOld    bool
	SyncOldDone    bool
	UntilTimestamp int64
	ScanRowCount   int64
	SyncRowCount   int64
}

// MarkPath returns the mark file for peer ip listening on port.
func MarkPath(dir, ip string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.mark", ip, port))
}

// LoadMark reads a mark file. A missing file is reported as
// os.ErrNotExist.
func LoadMark(path string) (Mark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Mark{}, err
	}

	values := make(map[string]string, markKeys)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(values) < markKeys {
		return Mark{}, fmt.Errorf("%w: %s has %d items, want %d", ErrMarkInvalid, path, len(values), markKeys)
	}

	var m Mark
	var perr error
	num := func(key string, def int64) int64 {
		v, ok := values[key]
		if !ok {
			return def
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil && perr == nil {
			perr = fmt.Errorf("%w: %s: %s=%q", ErrMarkInvalid, path, key, v)
		}
		return n
	}
	m.Index = int(num(markIndex, -1))
	m.Offset = num(markOffset, -1)
	m.NeedSyncOld = num(markNeedSyncOld, 0) != 0
	m.SyncOldDone = num(markSyncOldDone, 0) != 0
	m.UntilTimestamp = num(markUntil, -1)
	m.ScanRowCount = num(markScanRows, 0)
	m.SyncRowCount = num(markSyncRows, 0)
	if perr != nil {
		return Mark{}, perr
	}
	if m.Index < 0 {
		return Mark{}, fmt.Errorf("%w: %s: binlog_index %d < 0", ErrMarkInvalid, path, m.Index)
	}
	if m.Offset < 0 {
		return Mark{}, fmt.Errorf("%w: %s: binlog_offset %d < 0", ErrMarkInvalid, path, m.Offset)
	}
	return m, nil
}

// Save writes the mark to path atomically.
func (m Mark) Save(path string) error {
	var b bytes.Buffer
	put := func(key string, v int64) {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(v, 10))
		b.WriteByte('\n')
	}
	put(markIndex, int64(m.Index))
	put(markOffset, m.Offset)
	put(markNeedSyncOld, boolInt(m.NeedSyncOld))
	put(markSyncOldDone, boolInt(m.SyncOldDone))
	put(markUntil, m.UntilTimestamp)
	put(markScanRows, m.ScanRowCount)
	put(markSyncRows, m.SyncRowCount)
	if err := fsutil.WriteFile(path, b.Bytes(), 0644); err != nil {
		return fmt.Errorf("save mark: %w", err)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
