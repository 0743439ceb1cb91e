package fsutil

import (
	"errors"
	"io"
	"os"

	"github.com/Kethsar/twitcharchive/internal/logging"
)

// PendingFile is written in full and then moved over its destination, so the
// destination never holds a partial file.
type PendingFile interface {
	io.Writer
	CloseAtomicallyReplace() error
	Cleanup() error
}

// WriteFile atomically replaces fname with data.
func WriteFile(fname string, data []byte) error {
	pending, err := NewPendingFile(fname)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return err
	}

	return pending.CloseAtomicallyReplace()
}

func TryMove(srcFile, dstFile string) error {
	_, err := os.Stat(srcFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("Error moving file: %s", err)
			return err
		}

		return nil
	}

	logging.Info("Moving file %s to %s", srcFile, dstFile)

	err = os.Rename(srcFile, dstFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Error moving file: %s", err)
		return err
	}

	return nil
}

func TryDelete(fname string) {
	_, err := os.Stat(fname)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("Error deleting file: %s", err)
		}

		return
	}

	logging.Debug("Deleting file %s", fname)
	err = os.Remove(fname)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Error deleting file: %s", err)
	}
}

// Call os.Stat and check if err is os.ErrNotExist
// Unsure if the file is guaranteed to exist when err is not nil or os.ErrNotExist
func Exists(file string) bool {
	_, err := os.Stat(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
	}

	return true
}

// Size returns the size of file and whether it exists as a regular file.
func Size(file string) (int64, bool) {
	fi, err := os.Stat(file)
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	return fi.Size(), true
}

func CleanupFiles(files []string) {
	for _, f := range files {
		TryDelete(f)
	}
}
