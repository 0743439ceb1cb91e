//go:build windows

package fsutil

import (
	"os"
	"path/filepath"
)

// renameio does not support Windows; a temp file in the same directory plus
// os.Rename gives the same all-or-nothing result there.
type pendingFile struct {
	*os.File
	dest   string
	closed bool
	done   bool
}

func NewPendingFile(fname string) (PendingFile, error) {
	f, err := os.CreateTemp(filepath.Dir(fname), "."+filepath.Base(fname)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &pendingFile{File: f, dest: fname}, nil
}

func (p *pendingFile) CloseAtomicallyReplace() error {
	if err := p.Sync(); err != nil {
		return err
	}
	p.closed = true
	if err := p.Close(); err != nil {
		return err
	}
	if err := os.Rename(p.Name(), p.dest); err != nil {
		return err
	}
	p.done = true
	return nil
}

func (p *pendingFile) Cleanup() error {
	if p.done {
		return nil
	}
	if !p.closed {
		p.Close()
	}
	return os.Remove(p.Name())
}
