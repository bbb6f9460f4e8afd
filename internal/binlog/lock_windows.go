//go:build windows

package binlog

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked reports that another process holds the binlog.
var ErrLocked = errors.New("binlog is locked by another process")

// Windows keeps an exclusive lock file instead of flock.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("open binlog lock: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	err := f.Close()
	_ = os.Remove(f.Name())
	return err
}
