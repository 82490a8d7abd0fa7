// Package mailfs is the narrow filesystem surface the maildir engine uses.
//
// Every stat, readdir, rename and temp-file write the engine performs goes
// through FS, so the same algorithms run against the real filesystem (OS)
// and against an in-memory fake (Mem) that can inject races, crashes and
// ENOSPC deterministically.
package mailfs

import (
	"io"
	"io/fs"
	"time"
)

// FileInfo is the subset of stat(2) the engine relies on. Mtime and Ctime
// keep nanosecond precision where the filesystem provides it.
type FileInfo struct {
	Name  string
	Size  int64
	Mode  fs.FileMode
	Mtime time.Time
	Ctime time.Time
	Dev   uint64
	Ino   uint64
	Nlink uint64
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool {
	return fi.Mode.IsDir()
}

// SameFile reports whether both infos describe the same inode.
func (fi FileInfo) SameFile(other FileInfo) bool {
	return fi.Dev == other.Dev && fi.Ino == other.Ino
}

// Dir is an open directory being read.
type Dir interface {
	// Stat returns the attributes of the opened directory (fstat).
	Stat() (FileInfo, error)

	// Next returns up to n entry names. It returns io.EOF once the
	// directory is exhausted.
	Next(n int) ([]string, error)

	Close() error
}

// FS is implemented by OS and Mem.
type FS interface {
	Stat(path string) (FileInfo, error)
	ReadDir(path string) (Dir, error)
	ReadFile(path string) ([]byte, error)
	Open(path string) (io.ReadCloser, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
	Link(oldpath, newpath string) error

	// CreateExclusive creates path with data, failing with fs.ErrExist if
	// it is already present.
	CreateExclusive(path string, data []byte) error

	// WriteTemp writes data to a new uniquely named file in dir and syncs
	// it. The returned path is the file written.
	WriteTemp(dir, prefix string, data []byte) (string, error)

	Chtimes(path string, atime, mtime time.Time) error
	MkdirAll(path string, perm fs.FileMode) error

	// SyncDir flushes directory metadata (renames, creates) to disk.
	SyncDir(path string) error
}

// Clock provides the current time. Tests substitute a FakeClock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}
