package mailfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemHooks lets tests interleave foreign activity with the engine's own
// filesystem calls. Hooks run without the Mem lock held, so they may call
// back into the Mem.
type MemHooks struct {
	// BeforeRename runs before every rename. A non-nil error aborts the
	// rename and is returned to the caller.
	BeforeRename func(oldpath, newpath string) error

	// BeforeWrite runs before file data is written by WriteTemp or
	// CreateExclusive. A non-nil error aborts the write.
	BeforeWrite func(path string) error

	// BeforeStat runs before every Stat. A non-nil error is returned
	// instead of the file's info.
	BeforeStat func(path string) error

	// AfterReadDirEntry runs after each name a Dir hands out.
	AfterReadDirEntry func(dir, name string)
}

type memNode struct {
	ino   uint64
	dir   bool
	data  []byte
	mtime time.Time
	ctime time.Time
	nlink uint64
}

// Mem is an in-memory FS. Paths are slash separated and cleaned; hard links
// are several paths sharing one node. Directory listings are snapshots taken
// when the directory is opened, like a readdir that raced with renames.
type Mem struct {
	mu      sync.Mutex
	clock   Clock
	nodes   map[string]*memNode
	nextIno uint64
	tmpSeq  int

	Hooks MemHooks
}

var _ FS = (*Mem)(nil)

// NewMem returns an empty filesystem containing only "/". A nil clock uses
// the system clock.
func NewMem(clock Clock) *Mem {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &Mem{clock: clock, nodes: map[string]*memNode{}}
	now := clock.Now()
	m.nodes["/"] = &memNode{ino: m.ino(), dir: true, mtime: now, ctime: now, nlink: 2}
	return m
}

func (m *Mem) ino() uint64 {
	m.nextIno++
	return m.nextIno
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// touchParent marks the parent directory of p as modified. Callers hold mu.
func (m *Mem) touchParent(p string, now time.Time) {
	if n := m.nodes[path.Dir(p)]; n != nil {
		n.mtime = now
		n.ctime = now
	}
}

func (m *Mem) parentDir(op, p string) error {
	n := m.nodes[path.Dir(p)]
	if n == nil || !n.dir {
		return notExist(op, p)
	}
	return nil
}

func (m *Mem) info(p string, n *memNode) FileInfo {
	mode := fs.FileMode(0600)
	if n.dir {
		mode = fs.ModeDir | 0700
	}
	return FileInfo{
		Name:  path.Base(p),
		Size:  int64(len(n.data)),
		Mode:  mode,
		Mtime: n.mtime,
		Ctime: n.ctime,
		Dev:   1,
		Ino:   n.ino,
		Nlink: n.nlink,
	}
}

func (m *Mem) Stat(p string) (FileInfo, error) {
	p = clean(p)
	if hook := m.Hooks.BeforeStat; hook != nil {
		if err := hook(p); err != nil {
			return FileInfo{}, &fs.PathError{Op: "stat", Path: p, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return FileInfo{}, notExist("stat", p)
	}
	return m.info(p, n), nil
}

type memDir struct {
	m     *Mem
	path  string
	names []string
}

func (d *memDir) Stat() (FileInfo, error) {
	return d.m.Stat(d.path)
}

func (d *memDir) Next(n int) ([]string, error) {
	if len(d.names) == 0 {
		return nil, io.EOF
	}
	if n <= 0 || n > len(d.names) {
		n = len(d.names)
	}
	out := d.names[:n]
	d.names = d.names[n:]
	if hook := d.m.Hooks.AfterReadDirEntry; hook != nil {
		for _, name := range out {
			hook(d.path, name)
		}
	}
	return out, nil
}

func (d *memDir) Close() error {
	return nil
}

// ReadDir snapshots the names directly under p.
func (m *Mem) ReadDir(p string) (Dir, error) {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return nil, notExist("open", p)
	}
	if !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fmt.Errorf("not a directory")}
	}
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	var names []string
	for k := range m.nodes {
		if k == p || !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return &memDir{m: m, path: p, names: names}, nil
}

func (m *Mem) ReadFile(p string) ([]byte, error) {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return nil, notExist("open", p)
	}
	return append([]byte(nil), n.data...), nil
}

func (m *Mem) Open(p string) (io.ReadCloser, error) {
	data, err := m.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Mem) Rename(oldpath, newpath string) error {
	oldpath, newpath = clean(oldpath), clean(newpath)
	if hook := m.Hooks.BeforeRename; hook != nil {
		if err := hook(oldpath, newpath); err != nil {
			return &fs.PathError{Op: "rename", Path: oldpath, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[oldpath]
	if n == nil {
		return notExist("rename", oldpath)
	}
	if err := m.parentDir("rename", newpath); err != nil {
		return err
	}
	if existing := m.nodes[newpath]; existing == n {
		// Both names are links to the same file: rename(2) does nothing.
		return nil
	} else if existing != nil {
		existing.nlink--
	}
	now := m.clock.Now()
	if n.dir {
		prefix := oldpath + "/"
		for k, v := range m.nodes {
			if strings.HasPrefix(k, prefix) {
				delete(m.nodes, k)
				m.nodes[newpath+"/"+k[len(prefix):]] = v
			}
		}
	}
	delete(m.nodes, oldpath)
	m.nodes[newpath] = n
	n.ctime = now
	m.touchParent(oldpath, now)
	m.touchParent(newpath, now)
	return nil
}

func (m *Mem) Remove(p string) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return notExist("remove", p)
	}
	if n.dir {
		for k := range m.nodes {
			if strings.HasPrefix(k, p+"/") {
				return &fs.PathError{Op: "remove", Path: p, Err: fmt.Errorf("directory not empty")}
			}
		}
	}
	now := m.clock.Now()
	delete(m.nodes, p)
	n.nlink--
	n.ctime = now
	m.touchParent(p, now)
	return nil
}

func (m *Mem) Link(oldpath, newpath string) error {
	oldpath, newpath = clean(oldpath), clean(newpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[oldpath]
	if n == nil {
		return notExist("link", oldpath)
	}
	if m.nodes[newpath] != nil {
		return &fs.PathError{Op: "link", Path: newpath, Err: fs.ErrExist}
	}
	if err := m.parentDir("link", newpath); err != nil {
		return err
	}
	now := m.clock.Now()
	m.nodes[newpath] = n
	n.nlink++
	n.ctime = now
	m.touchParent(newpath, now)
	return nil
}

// create adds a regular file. Callers hold mu.
func (m *Mem) create(op, p string, data []byte, exclusive bool) error {
	if err := m.parentDir(op, p); err != nil {
		return err
	}
	if existing := m.nodes[p]; existing != nil {
		if exclusive {
			return &fs.PathError{Op: op, Path: p, Err: fs.ErrExist}
		}
		existing.nlink--
	}
	now := m.clock.Now()
	m.nodes[p] = &memNode{ino: m.ino(), data: append([]byte(nil), data...), mtime: now, ctime: now, nlink: 1}
	m.touchParent(p, now)
	return nil
}

func (m *Mem) CreateExclusive(p string, data []byte) error {
	p = clean(p)
	if hook := m.Hooks.BeforeWrite; hook != nil {
		if err := hook(p); err != nil {
			return &fs.PathError{Op: "write", Path: p, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create("open", p, data, true)
}

func (m *Mem) WriteTemp(dir, prefix string, data []byte) (string, error) {
	dir = clean(dir)
	m.mu.Lock()
	m.tmpSeq++
	p := path.Join(dir, fmt.Sprintf("%s%d", prefix, m.tmpSeq))
	m.mu.Unlock()

	if hook := m.Hooks.BeforeWrite; hook != nil {
		if err := hook(p); err != nil {
			return "", &fs.PathError{Op: "write", Path: p, Err: err}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.create("open", p, data, true); err != nil {
		return "", err
	}
	return p, nil
}

// WriteFile creates or replaces a regular file, like a foreign process
// delivering or rewriting a message would.
func (m *Mem) WriteFile(p string, data []byte) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.create("open", p, data, false)
}

func (m *Mem) Chtimes(p string, atime, mtime time.Time) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return notExist("chtimes", p)
	}
	n.mtime = mtime
	n.ctime = m.clock.Now()
	return nil
}

// SetCtime overrides the change time of p. The kernel never allows this; it
// lets tests age a file without advancing the clock.
func (m *Mem) SetCtime(p string, ctime time.Time) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[p]
	if n == nil {
		return notExist("chtimes", p)
	}
	n.ctime = ctime
	return nil
}

func (m *Mem) MkdirAll(p string, perm fs.FileMode) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur string
	for _, elem := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if elem == "" {
			continue
		}
		cur += "/" + elem
		n := m.nodes[cur]
		if n != nil {
			if !n.dir {
				return &fs.PathError{Op: "mkdir", Path: cur, Err: fmt.Errorf("not a directory")}
			}
			continue
		}
		now := m.clock.Now()
		m.nodes[cur] = &memNode{ino: m.ino(), dir: true, mtime: now, ctime: now, nlink: 2}
		m.touchParent(cur, now)
	}
	return nil
}

func (m *Mem) SyncDir(p string) error {
	p = clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[p] == nil {
		return notExist("open", p)
	}
	return nil
}

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock returns a clock frozen at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
