//go:build unix

package mailfs

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// OS implements FS on the local filesystem.
type OS struct{}

var _ FS = OS{}

func fileInfo(name string, st *unix.Stat_t) FileInfo {
	msec, mnsec := st.Mtim.Unix()
	csec, cnsec := st.Ctim.Unix()
	mode := fs.FileMode(st.Mode & 0777)
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		mode |= fs.ModeDir
	}
	return FileInfo{
		Name:  name,
		Size:  st.Size,
		Mode:  mode,
		Mtime: time.Unix(msec, mnsec),
		Ctime: time.Unix(csec, cnsec),
		Dev:   uint64(st.Dev),
		Ino:   uint64(st.Ino),
		Nlink: uint64(st.Nlink),
	}
}

// Stat returns dev, inode, link count and nanosecond times for path.
func (OS) Stat(path string) (FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileInfo{}, &fs.PathError{Op: "stat", Path: path, Err: err}
	}
	return fileInfo(path, &st), nil
}

type osDir struct {
	f *os.File
}

func (d *osDir) Stat() (FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(d.f.Fd()), &st); err != nil {
		return FileInfo{}, &fs.PathError{Op: "fstat", Path: d.f.Name(), Err: err}
	}
	return fileInfo(d.f.Name(), &st), nil
}

func (d *osDir) Next(n int) ([]string, error) {
	return d.f.Readdirnames(n)
}

func (d *osDir) Close() error {
	return d.f.Close()
}

// ReadDir opens path for reading its entries.
func (OS) ReadDir(path string) (Dir, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &osDir{f: f}, nil
}

func (OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OS) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (OS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (OS) Remove(path string) error {
	return os.Remove(path)
}

func (OS) Link(oldpath, newpath string) error {
	return os.Link(oldpath, newpath)
}

// CreateExclusive creates path with O_EXCL and writes data to it.
func (OS) CreateExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// WriteTemp writes data to a new file in dir and fsyncs it before closing.
func (OS) WriteTemp(dir, prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func (OS) Chtimes(path string, atime, mtime time.Time) error {
	return os.Chtimes(path, atime, mtime)
}

func (OS) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// SyncDir opens a directory and syncs its contents to disk.
func (OS) SyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); cerr != nil {
		slog.Debug("closing directory after sync", slog.String("path", path), slog.Any("error", cerr))
	}
	return err
}
