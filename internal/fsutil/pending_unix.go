//go:build !windows

package fsutil

import "github.com/google/renameio/v2"

func NewPendingFile(fname string) (PendingFile, error) {
	return renameio.NewPendingFile(fname, renameio.WithPermissions(0644))
}
