package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/filemesh/filemesh/internal/fsutil"
	"github.com/filemesh/filemesh/pkg/proto"
)

// InitFlagFile marks a data directory whose first-join bootstrap is done.
const InitFlagFile = ".data_init_flag"

const (
	flagSyncSrc   = "sync_src_ip"
	flagSyncUntil = "sync_until_timestamp"
)

// loadInitFlag returns the sync source recorded at bootstrap. A missing
// file is reported as os.ErrNotExist.
func loadInitFlag(path string) (proto.SyncSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return proto.SyncSource{}, err
	}
	var src proto.SyncSource
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case flagSyncSrc:
			src.IP = v
		case flagSyncUntil:
			if src.Until, err = strconv.ParseInt(v, 10, 64); err != nil {
				return proto.SyncSource{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	return src, nil
}

func saveInitFlag(path string, src proto.SyncSource) error {
	content := fmt.Sprintf("%s=%s\n%s=%d\n", flagSyncSrc, src.IP, flagSyncUntil, src.Until)
	return fsutil.WriteFile(path, []byte(content), 0644)
}
