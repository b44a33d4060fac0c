package utils

import (
	"os"
	"time"
)

// FileExists reports whether a file named name exists.
func FileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// FileInfo returns filePath's size in bytes and last-modified time, used
// by the config watcher to decide whether the config file actually
// changed before re-reading it.
func FileInfo(filePath string) (size int64, modTime time.Time, err error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime().UTC(), nil
}
