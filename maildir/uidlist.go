package maildir

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

// EntryFlags is the state of a uidlist entry during a sync pass.
type EntryFlags uint8

const (
	// Confirmed marks an entry whose file was seen in the running pass.
	Confirmed EntryFlags = 1 << iota
	// PendingRename marks an entry whose flag rename could not be done yet.
	PendingRename
	// New marks a file observed this pass that has no UID yet.
	New
)

func (f EntryFlags) Has(x EntryFlags) bool {
	return f&x == x
}

func (f EntryFlags) String() string {
	var l []string
	if f.Has(Confirmed) {
		l = append(l, "confirmed")
	}
	if f.Has(PendingRename) {
		l = append(l, "pending-rename")
	}
	if f.Has(New) {
		l = append(l, "new")
	}
	return "[" + strings.Join(l, ",") + "]"
}

// Entry maps a UID to the current filename of its message.
type Entry struct {
	UID      uint32
	Filename string

	// Ext holds the extension tokens between the UID and the filename,
	// kept verbatim.
	Ext []string

	Flags EntryFlags
}

func (e Entry) Key() string {
	return Key(e.Filename)
}

// pendingExt starts the extension token of an entry whose flag rename was
// deferred. The rest of the token is the standard flags the file should
// carry, e.g. "RFS".
const pendingExt = "R"

// PendingFlags returns the flags a deferred rename still has to put on the
// file.
func (e Entry) PendingFlags() ([]maildir.Flag, bool) {
	for _, tok := range e.Ext {
		if strings.HasPrefix(tok, pendingExt) {
			var flags []maildir.Flag
			for _, c := range tok[len(pendingExt):] {
				flags = append(flags, maildir.Flag(c))
			}
			return flags, true
		}
	}
	return nil, false
}

// withPending returns ext with the pending rename token set to flags.
func withPending(ext []string, flags []maildir.Flag) []string {
	tok := pendingExt
	for _, f := range flags {
		tok += string(rune(f))
	}
	return append(withoutPending(ext), tok)
}

func withoutPending(ext []string) []string {
	var l []string
	for _, tok := range ext {
		if !strings.HasPrefix(tok, pendingExt) {
			l = append(l, tok)
		}
	}
	return l
}

// UIDList is the persistent UID to filename mapping of one mailbox, stored
// as a dovecot-uidlist file. Reads need no lock; the file is only ever
// replaced by rename.
type UIDList struct {
	fs     mailfs.FS
	clock  mailfs.Clock
	logger *slog.Logger
	path   string

	locker      *Locker
	lock        *Lock
	lockTimeout time.Duration

	loaded  bool
	exists  bool
	corrupt bool
	stat    mailfs.FileInfo

	// salvaged is the header of a corrupt file, used to continue its UIDs
	// when the list is rebuilt.
	salvaged *parsedUIDList

	version   int
	validity  uint32
	nextUID   uint32
	headerExt []string
	entries   []*Entry // ordered by UID
	byUID     map[uint32]*Entry
	byKey     map[string]*Entry

	txn *SyncTxn
}

func newUIDList(path string, opts Options) *UIDList {
	return &UIDList{
		fs:     opts.FS,
		clock:  opts.Clock,
		logger: opts.Logger,
		path:   path,
		locker: &Locker{
			FS:       opts.FS,
			Clock:    opts.Clock,
			Logger:   opts.Logger,
			Path:     path + ".lock",
			Stale:    opts.LockStaleTimeout,
			PID:      opts.PID,
			Hostname: opts.Hostname,
		},
		lockTimeout: opts.LockTimeout,
		nextUID:     1,
		byUID:       map[uint32]*Entry{},
		byKey:       map[string]*Entry{},
	}
}

// Path returns the uidlist file path.
func (u *UIDList) Path() string {
	return u.path
}

// LockPath returns the path of the dotlock guarding the uidlist.
func (u *UIDList) LockPath() string {
	return u.locker.Path
}

func (u *UIDList) ensureLoaded() error {
	if u.loaded {
		return nil
	}
	return u.load()
}

// load reads the file. A missing file is an empty uidlist.
func (u *UIDList) load() error {
	fi, err := u.fs.Stat(u.path)
	if err != nil {
		if errors.IsNotExist(err) {
			u.reset()
			u.loaded = true
			u.exists = false
			return nil
		}
		return errors.Op("stat", u.path, err)
	}
	data, err := u.fs.ReadFile(u.path)
	if err != nil {
		if errors.IsNotExist(err) {
			u.reset()
			u.loaded = true
			u.exists = false
			return nil
		}
		return errors.Op("read", u.path, err)
	}

	parsed, err := parseUIDList(data)
	if err != nil {
		u.corrupt = true
		u.salvaged = parsed
		return errors.Op("parse", u.path, err)
	}

	// A deferred rename whose uidlist write also failed is only known in
	// memory. It still applies while the file keeps its old name.
	pending := map[uint32]*Entry{}
	for _, e := range u.entries {
		if e.Flags.Has(PendingRename) {
			pending[e.UID] = e
		}
	}

	u.reset()
	u.version = parsed.version
	u.validity = parsed.validity
	u.nextUID = parsed.nextUID
	u.headerExt = parsed.headerExt
	for _, e := range parsed.entries {
		if p := pending[e.UID]; p != nil && p.Filename == e.Filename && !e.Flags.Has(PendingRename) {
			e.Ext = append([]string(nil), p.Ext...)
			e.Flags |= PendingRename
		}
		u.insert(e)
	}
	u.loaded = true
	u.exists = true
	u.corrupt = false
	u.salvaged = nil
	u.stat = fi
	return nil
}

func (u *UIDList) reset() {
	u.version = 3
	u.validity = 0
	u.nextUID = 1
	u.headerExt = nil
	u.entries = nil
	u.byUID = map[uint32]*Entry{}
	u.byKey = map[string]*Entry{}
	u.stat = mailfs.FileInfo{}
}

func (u *UIDList) insert(e *Entry) {
	u.entries = append(u.entries, e)
	u.byUID[e.UID] = e
	u.byKey[e.Key()] = e
}

// Refresh re-reads the file when it was replaced since it was last read.
func (u *UIDList) Refresh() error {
	if !u.loaded {
		return u.load()
	}
	fi, err := u.fs.Stat(u.path)
	if err != nil {
		if errors.IsNotExist(err) {
			if u.exists {
				return u.load()
			}
			return nil
		}
		return errors.Op("stat", u.path, err)
	}
	if u.exists && fi.SameFile(u.stat) && fi.Mtime.Equal(u.stat.Mtime) && fi.Size == u.stat.Size {
		return nil
	}
	return u.load()
}

// Exists reports whether the uidlist file existed when last read.
func (u *UIDList) Exists() bool {
	return u.loaded && u.exists
}

// Loaded reports whether the file has been read at all.
func (u *UIDList) Loaded() bool {
	return u.loaded
}

// Lookup returns the entry of uid.
func (u *UIDList) Lookup(uid uint32) (Entry, bool, error) {
	if err := u.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := u.byUID[uid]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

// LookupKey returns the entry whose filename has the given stable key.
func (u *UIDList) LookupKey(key string) (Entry, bool, error) {
	if err := u.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := u.byKey[key]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

// Entries returns a copy of all entries ordered by UID.
func (u *UIDList) Entries() ([]Entry, error) {
	if err := u.ensureLoaded(); err != nil {
		return nil, err
	}
	l := make([]Entry, len(u.entries))
	for i, e := range u.entries {
		l[i] = *e
	}
	return l, nil
}

func (u *UIDList) NextUID() uint32 {
	return u.nextUID
}

func (u *UIDList) UIDValidity() uint32 {
	return u.validity
}

// IsLocked reports whether this handle holds the uidlist lock.
func (u *UIDList) IsLocked() bool {
	return u.lock != nil
}

func (u *UIDList) acquire(ctx context.Context, tryLock bool) error {
	if u.lock != nil {
		return nil
	}
	timeout := u.lockTimeout
	if tryLock {
		timeout = 0
	}
	lk, err := u.locker.Acquire(ctx, timeout)
	if err != nil {
		if stderrors.Is(err, errors.ErrLockTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", errors.ErrMailboxLocked, err)
	}
	u.lock = lk
	return nil
}

// Unlock releases the uidlist lock if held.
func (u *UIDList) Unlock() {
	if u.lock != nil {
		u.lock.Release()
		u.lock = nil
	}
}

// touchLock touches the held lock if interval has passed.
func (u *UIDList) touchLock(interval time.Duration) {
	u.lock.TouchIfDue(interval)
}

type parsedUIDList struct {
	version   int
	validity  uint32
	nextUID   uint32
	headerExt []string
	entries   []*Entry
}

// parseUIDList parses version 1 ("1 <validity> <nextuid>") and version 3
// ("3 V<validity> N<nextuid> ...") files. When only the entries are corrupt
// the parsed header is returned along with the error.
func parseUIDList(data []byte) (*parsedUIDList, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", errors.ErrUIDListCorrupt)
	}
	p := &parsedUIDList{}
	hdr := strings.Fields(sc.Text())
	if len(hdr) == 0 {
		return nil, fmt.Errorf("%w: empty header", errors.ErrUIDListCorrupt)
	}
	switch hdr[0] {
	case "1":
		if len(hdr) != 3 {
			return nil, fmt.Errorf("%w: bad version 1 header", errors.ErrUIDListCorrupt)
		}
		v, err1 := strconv.ParseUint(hdr[1], 10, 32)
		n, err2 := strconv.ParseUint(hdr[2], 10, 32)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: bad version 1 header", errors.ErrUIDListCorrupt)
		}
		p.version, p.validity, p.nextUID = 1, uint32(v), uint32(n)
	case "3":
		p.version = 3
		for _, tok := range hdr[1:] {
			if len(tok) < 2 {
				return nil, fmt.Errorf("%w: bad header token %q", errors.ErrUIDListCorrupt, tok)
			}
			switch tok[0] {
			case 'V':
				v, err := strconv.ParseUint(tok[1:], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: bad uid validity %q", errors.ErrUIDListCorrupt, tok)
				}
				p.validity = uint32(v)
			case 'N':
				v, err := strconv.ParseUint(tok[1:], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("%w: bad next uid %q", errors.ErrUIDListCorrupt, tok)
				}
				p.nextUID = uint32(v)
			default:
				p.headerExt = append(p.headerExt, tok)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported version %q", errors.ErrUIDListCorrupt, hdr[0])
	}
	if p.nextUID == 0 {
		return nil, fmt.Errorf("%w: missing next uid", errors.ErrUIDListCorrupt)
	}

	header := func() *parsedUIDList {
		return &parsedUIDList{version: p.version, validity: p.validity, nextUID: p.nextUID, headerExt: p.headerExt}
	}
	var prev uint32
	seen := map[string]bool{}
	lineno := 1
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return header(), fmt.Errorf("%w: line %d: %v", errors.ErrUIDListCorrupt, lineno, err)
		}
		if e.UID <= prev {
			return header(), fmt.Errorf("%w: line %d: uid %d not ascending", errors.ErrUIDListCorrupt, lineno, e.UID)
		}
		if e.UID >= p.nextUID {
			return header(), fmt.Errorf("%w: line %d: uid %d >= next uid %d", errors.ErrUIDListCorrupt, lineno, e.UID, p.nextUID)
		}
		if seen[e.Key()] {
			return header(), fmt.Errorf("%w: line %d: duplicate file %q", errors.ErrUIDListCorrupt, lineno, e.Key())
		}
		seen[e.Key()] = true
		prev = e.UID
		p.entries = append(p.entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseEntry(line string) (*Entry, error) {
	sp := strings.IndexByte(line, ' ')
	if sp <= 0 {
		return nil, fmt.Errorf("missing filename")
	}
	uid, err := strconv.ParseUint(line[:sp], 10, 32)
	if err != nil || uid == 0 {
		return nil, fmt.Errorf("bad uid %q", line[:sp])
	}
	rest := line[sp+1:]
	e := &Entry{UID: uint32(uid)}
	if i := strings.Index(rest, ":"); i >= 0 && (i == 0 || rest[i-1] == ' ') {
		e.Ext = strings.Fields(rest[:i])
		e.Filename = rest[i+1:]
		if _, ok := e.PendingFlags(); ok {
			e.Flags |= PendingRename
		}
	} else {
		e.Filename = strings.TrimSpace(rest)
	}
	if e.Filename == "" || strings.ContainsAny(e.Filename, "/\n") {
		return nil, fmt.Errorf("bad filename %q", e.Filename)
	}
	return e, nil
}

func formatUIDList(validity, nextUID uint32, headerExt []string, entries []*Entry) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "3 V%d N%d", validity, nextUID)
	for _, tok := range headerExt {
		b.WriteByte(' ')
		b.WriteString(tok)
	}
	b.WriteByte('\n')
	for _, e := range entries {
		b.WriteString(strconv.FormatUint(uint64(e.UID), 10))
		for _, tok := range e.Ext {
			b.WriteByte(' ')
			b.WriteString(tok)
		}
		b.WriteString(" :")
		b.WriteString(e.Filename)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// write replaces the uidlist file.
func (u *UIDList) write(data []byte) error {
	tmp, err := u.stage(data)
	if err != nil {
		return err
	}
	return u.publish(tmp)
}

// stage writes data to a temp file next to the uidlist, with its mtime
// forced past the current file's. Nothing is visible until publish.
func (u *UIDList) stage(data []byte) (string, error) {
	dir := filepath.Dir(u.path)
	tmp, err := u.fs.WriteTemp(dir, filepath.Base(u.path)+".tmp.", data)
	if err != nil {
		return "", errors.Op("write", dir, err)
	}

	if old, err := u.fs.Stat(u.path); err == nil {
		fi, err := u.fs.Stat(tmp)
		if err != nil {
			u.discard(tmp)
			return "", errors.Op("stat", tmp, err)
		}
		// Readers detect changes by mtime, so the new file must look newer.
		if !fi.Mtime.After(old.Mtime) {
			mtime := old.Mtime.Add(time.Second)
			if err := u.fs.Chtimes(tmp, mtime, mtime); err != nil {
				u.discard(tmp)
				return "", errors.Op("utime", tmp, err)
			}
		}
	}
	return tmp, nil
}

// publish renames a staged file over the uidlist and syncs the directory.
func (u *UIDList) publish(tmp string) error {
	if err := u.fs.Rename(tmp, u.path); err != nil {
		u.discard(tmp)
		return errors.Op("rename", u.path, err)
	}
	dir := filepath.Dir(u.path)
	if err := u.fs.SyncDir(dir); err != nil {
		return errors.Op("fsync", dir, err)
	}
	return nil
}

// discard removes a staged file that will not be published.
func (u *UIDList) discard(tmp string) {
	if err := u.fs.Remove(tmp); err != nil && !errors.IsNotExist(err) {
		u.logger.Debug("removing temp uidlist failed",
			slog.String("path", tmp),
			slog.String("error", err.Error()))
	}
}

// sortEntries orders entries by UID.
func sortEntries(l []*Entry) {
	sort.Slice(l, func(i, j int) bool { return l[i].UID < l[j].UID })
}
