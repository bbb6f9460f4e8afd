//go:build !windows

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// diskStat returns the size and available space of the filesystem holding
// path, in megabytes.
func diskStat(path string) (totalMB, freeMB int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert
	totalMB = int64(stat.Blocks) * bsize / (1 << 20)
	freeMB = int64(stat.Bavail) * bsize / (1 << 20)
	return totalMB, freeMB, nil
}
