package maildir

import (
	"path/filepath"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

// Layout describes the directories of a single maildir.
type Layout struct {
	path string
	fs   mailfs.FS
}

// NewLayout returns the layout of the maildir at path. It does not create
// anything; use Create for that. A nil fs means the real filesystem.
func NewLayout(path string, fs mailfs.FS) *Layout {
	if fs == nil {
		fs = mailfs.OS{}
	}
	return &Layout{path: path, fs: fs}
}

// Path returns the maildir path.
func (l *Layout) Path() string {
	return l.path
}

// Cur returns the path of cur/.
func (l *Layout) Cur() string {
	return filepath.Join(l.path, "cur")
}

// New returns the path of new/.
func (l *Layout) New() string {
	return filepath.Join(l.path, "new")
}

// Tmp returns the path of tmp/.
func (l *Layout) Tmp() string {
	return filepath.Join(l.path, "tmp")
}

// UIDList returns the path of the uidlist file.
func (l *Layout) UIDList() string {
	return filepath.Join(l.path, UIDListName)
}

// Create creates the maildir directory structure (new, cur, tmp).
func (l *Layout) Create() error {
	if _, ok := l.fs.(mailfs.OS); ok {
		if err := l.fs.MkdirAll(l.path, 0700); err != nil {
			return errors.Op("mkdir", l.path, err)
		}
		if err := maildir.Dir(l.path).Init(); err != nil {
			return errors.Op("init", l.path, err)
		}
		return nil
	}
	for _, dir := range []string{l.New(), l.Cur(), l.Tmp()} {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return errors.Op("mkdir", dir, err)
		}
	}
	return nil
}

// Exists checks if the maildir exists and has the required structure.
func (l *Layout) Exists() bool {
	for _, dir := range []string{l.New(), l.Cur(), l.Tmp()} {
		fi, err := l.fs.Stat(dir)
		if err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

// Recreate returns a function suitable for Options.RecreateDir: it
// recreates a directory of this maildir that disappeared.
func (l *Layout) Recreate() func(path string) error {
	return func(path string) error {
		return l.fs.MkdirAll(path, 0700)
	}
}
