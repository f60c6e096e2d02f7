package util

import (
	"errors"
	"fmt"
	"os"
)

var ErrNotDir = errors.New("path exists and is not a directory")

// CheckDirectory reports whether path exists and whether it is a directory.
// A missing path is not an error.
func CheckDirectory(path string) (exists bool, isDir bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// EnsureDir creates path and its parents unless it already is a directory.
func EnsureDir(path string) error {
	exists, isDir, err := CheckDirectory(path)
	if err != nil {
		return err
	}
	if exists && !isDir {
		return fmt.Errorf("%w: %s", ErrNotDir, path)
	}
	if exists {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
