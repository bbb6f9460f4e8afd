//go:build windows

package storage

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// diskStat returns the size and available space of the volume holding
// path, in megabytes.
func diskStat(path string) (totalMB, freeMB int64, err error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, fmt.Errorf("utf16 path: %w", err)
	}
	var available, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, &total, &totalFree); err != nil {
		return 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return int64(total >> 20), int64(available >> 20), nil
}
