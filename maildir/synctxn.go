package maildir

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/maildirsync/errors"
)

// TxnFlags select how a uidlist sync transaction is opened.
type TxnFlags struct {
	// Partial: the directory is not rescanned, only known deltas (saved
	// files, renames) are applied.
	Partial bool
	// Force: a corrupt uidlist is rebuilt instead of failing the pass.
	// Without the lock a corrupt file is read as empty either way.
	Force bool
	// TryLock: make a single lock attempt.
	TryLock bool
	// NoLock: proceed without the lock (degraded).
	NoLock bool
}

// NextResult classifies one observed filename.
type NextResult int

const (
	SyncAccepted NextResult = iota
	// SyncDuplicate: another file with the same stable key was already
	// confirmed in this pass.
	SyncDuplicate
)

func (r NextResult) String() string {
	if r == SyncDuplicate {
		return "duplicate"
	}
	return "accepted"
}

// Delta is what a sync transaction changed in the uidlist.
type Delta struct {
	Added   []Entry
	Removed []uint32
	Renamed []Entry
}

// SyncTxn is one pass of reconciling the uidlist with the directory. It
// works on a copy of the entries and replaces the uidlist's state on Commit.
type SyncTxn struct {
	u      *UIDList
	flags  TxnFlags
	locked bool

	validity uint32
	nextUID  uint32
	orig     map[uint32]Entry
	byKey    map[string]*Entry
	fresh    []*Entry // New entries, UIDs assigned at Finish
	removals []*Entry
	changed  bool

	finished  bool
	finalized bool
	done      bool

	// Set by Stage.
	staged   bool
	tmp      string
	stageErr error
}

// BeginSync starts a sync transaction. Unless flags.NoLock is set the
// uidlist lock is acquired first and the file re-read under it; a lock
// failure is returned as is, so the caller can decide to go degraded.
func (u *UIDList) BeginSync(ctx context.Context, flags TxnFlags) (*SyncTxn, error) {
	if u.txn != nil && !u.txn.done {
		return nil, fmt.Errorf("uidlist sync already in progress")
	}
	if !flags.NoLock {
		if err := u.acquire(ctx, flags.TryLock); err != nil {
			return nil, err
		}
	}

	var err error
	if u.lock != nil {
		// Holding the lock, the file on disk is authoritative.
		err = u.load()
	} else {
		err = u.ensureLoaded()
	}
	if err != nil {
		corrupt := stderrors.Is(err, errors.ErrUIDListCorrupt)
		switch {
		case corrupt && u.lock != nil && flags.Force:
			u.logger.Warn("rebuilding corrupt uidlist",
				slog.String("path", u.path),
				slog.String("error", err.Error()))
			salvaged := u.salvaged
			u.reset()
			if salvaged != nil {
				// UIDs handed out by the broken list are never reused.
				u.validity = salvaged.validity
				u.nextUID = salvaged.nextUID
			}
			u.loaded = true
			u.exists = false
			u.corrupt = false
			u.salvaged = nil
		case corrupt && u.lock == nil:
			// Nothing can be repaired without the lock; show no messages
			// until a locked pass rebuilds the list.
			u.logger.Warn("ignoring corrupt uidlist without lock",
				slog.String("path", u.path),
				slog.String("error", err.Error()))
			u.reset()
			u.loaded = true
			u.exists = true
		default:
			u.Unlock()
			return nil, err
		}
	}

	t := &SyncTxn{
		u:        u,
		flags:    flags,
		locked:   u.lock != nil,
		validity: u.validity,
		nextUID:  u.nextUID,
		orig:     make(map[uint32]Entry, len(u.entries)),
		byKey:    make(map[string]*Entry, len(u.entries)),
	}
	for _, e := range u.entries {
		t.orig[e.UID] = *e
		c := *e
		c.Flags &^= Confirmed | New
		t.byKey[c.Key()] = &c
	}
	u.txn = t
	return t, nil
}

// Locked reports whether the transaction runs under the uidlist lock.
func (t *SyncTxn) Locked() bool {
	return t.locked
}

// Next records a filename seen in the directory.
func (t *SyncTxn) Next(filename string) (NextResult, error) {
	if t.done || t.finished {
		return SyncAccepted, errors.ErrTransactionDone
	}
	key := Key(filename)
	e := t.byKey[key]
	switch {
	case e == nil:
		e = &Entry{Filename: filename, Flags: New | Confirmed}
		t.byKey[key] = e
		t.fresh = append(t.fresh, e)
	case e.Flags.Has(Confirmed):
		if e.Filename != filename {
			return SyncDuplicate, nil
		}
	default:
		e.Flags |= Confirmed
		if e.Filename != filename {
			// Renamed by someone else; a deferred flag rename is void.
			e.Filename = filename
			if e.Flags.Has(PendingRename) {
				e.Flags &^= PendingRename
				e.Ext = withoutPending(e.Ext)
			}
			t.changed = true
		}
	}
	return SyncAccepted, nil
}

// KnownFilename returns the filename already confirmed for name's key.
func (t *SyncTxn) KnownFilename(name string) (string, bool) {
	e := t.byKey[Key(name)]
	if e == nil {
		return "", false
	}
	return e.Filename, true
}

// Restart forgets what the running scan confirmed so the directory can be
// read again from the start.
func (t *SyncTxn) Restart() {
	for _, e := range t.fresh {
		delete(t.byKey, e.Key())
	}
	t.fresh = nil
	for _, e := range t.byKey {
		e.Flags &^= Confirmed
	}
}

// EnsureNextUID raises the next UID to next when validity matches the
// uidlist's, or when the uidlist has no validity yet.
func (t *SyncTxn) EnsureNextUID(next, validity uint32) {
	if validity == 0 {
		return
	}
	if t.validity == 0 {
		t.validity = validity
		t.changed = true
	}
	if t.validity != validity {
		return
	}
	if next > t.nextUID {
		t.nextUID = next
		t.changed = true
	}
}

// SetValidity sets the UID validity of a uidlist that has none.
func (t *SyncTxn) SetValidity(validity uint32) {
	if t.validity == 0 && validity != 0 {
		t.validity = validity
		t.changed = true
	}
}

// Finish ends the scan. Files seen for the first time get UIDs in filename
// order when the lock is held; entries not confirmed become removal
// candidates, removed only by FinalizeRemovals.
func (t *SyncTxn) Finish() {
	if t.finished || t.done {
		return
	}
	t.finished = true

	if t.locked {
		sort.Slice(t.fresh, func(i, j int) bool { return t.fresh[i].Filename < t.fresh[j].Filename })
		for _, e := range t.fresh {
			e.UID = t.nextUID
			t.nextUID++
			e.Flags &^= New
			t.changed = true
		}
	} else {
		for _, e := range t.fresh {
			delete(t.byKey, e.Key())
		}
	}
	t.fresh = nil

	if t.flags.Partial {
		return
	}
	for _, e := range t.byKey {
		if e.UID != 0 && !e.Flags.Has(Confirmed) {
			t.removals = append(t.removals, e)
		}
	}
	sortEntries(t.removals)
}

// Unconfirmed returns the UIDs that were not seen by the scan.
func (t *SyncTxn) Unconfirmed() []uint32 {
	var l []uint32
	for _, e := range t.removals {
		l = append(l, e.UID)
	}
	return l
}

// FinalizeRemovals drops the entries that were not confirmed. Callers only
// do this after a complete scan of a settled directory under the lock.
func (t *SyncTxn) FinalizeRemovals() {
	if !t.finished || t.finalized || !t.locked {
		return
	}
	t.finalized = true
	for _, e := range t.removals {
		delete(t.byKey, e.Key())
		t.changed = true
	}
}

// AddSaved adds a file this process just delivered and returns its UID.
// The lock must be held.
func (t *SyncTxn) AddSaved(filename string) (uint32, error) {
	if t.done {
		return 0, errors.ErrTransactionDone
	}
	if !t.locked {
		return 0, errors.ErrLockTimeout
	}
	key := Key(filename)
	if e := t.byKey[key]; e != nil && e.UID != 0 {
		return e.UID, nil
	}
	e := &Entry{UID: t.nextUID, Filename: filename, Flags: Confirmed}
	t.nextUID++
	t.byKey[key] = e
	t.changed = true
	return e.UID, nil
}

func (t *SyncTxn) entry(uid uint32) *Entry {
	for _, e := range t.byKey {
		if e.UID == uid {
			return e
		}
	}
	return nil
}

// SetFilename records that uid's file is now called filename. A pending
// flag rename of uid is done with.
func (t *SyncTxn) SetFilename(uid uint32, filename string) bool {
	e := t.entry(uid)
	if e == nil {
		return false
	}
	if e.Filename != filename {
		delete(t.byKey, e.Key())
		e.Filename = filename
		t.byKey[e.Key()] = e
		t.changed = true
	}
	if e.Flags.Has(PendingRename) {
		e.Flags &^= PendingRename
		e.Ext = withoutPending(e.Ext)
		t.changed = true
	}
	return true
}

// SetPending records that uid's file should carry flags but could not be
// renamed yet. The wanted flags are written to the uidlist with the entry.
func (t *SyncTxn) SetPending(uid uint32, flags []maildir.Flag) bool {
	e := t.entry(uid)
	if e == nil {
		return false
	}
	e.Flags |= PendingRename
	e.Ext = withPending(e.Ext, flags)
	t.changed = true
	return true
}

// Pending returns the entries with a deferred flag rename, ordered by UID.
func (t *SyncTxn) Pending() []Entry {
	var l []Entry
	for _, e := range t.Entries() {
		if e.Flags.Has(PendingRename) {
			l = append(l, e)
		}
	}
	return l
}

// Remove drops uid, used when this process removed the file itself.
func (t *SyncTxn) Remove(uid uint32) {
	for k, e := range t.byKey {
		if e.UID == uid {
			delete(t.byKey, k)
			t.changed = true
			return
		}
	}
}

// Changed reports whether committing would change the uidlist.
func (t *SyncTxn) Changed() bool {
	return t.changed || t.validity != t.u.validity || t.nextUID != t.u.nextUID
}

func (t *SyncTxn) result() []*Entry {
	var l []*Entry
	for _, e := range t.byKey {
		if e.UID == 0 {
			continue
		}
		c := *e
		c.Flags &^= New
		l = append(l, &c)
	}
	sortEntries(l)
	return l
}

// Entries returns the entries the transaction would commit, ordered by UID.
func (t *SyncTxn) Entries() []Entry {
	res := t.result()
	l := make([]Entry, len(res))
	for i, e := range res {
		l[i] = *e
	}
	return l
}

// Validity returns the UID validity the transaction would commit.
func (t *SyncTxn) Validity() uint32 {
	return t.validity
}

// NextUID returns the next UID the transaction would commit.
func (t *SyncTxn) NextUID() uint32 {
	return t.nextUID
}

// Delta compares the transaction's entries with the uidlist it started
// from.
func (t *SyncTxn) Delta() Delta {
	var d Delta
	cur := map[uint32]bool{}
	for _, e := range t.result() {
		cur[e.UID] = true
		o, ok := t.orig[e.UID]
		if !ok {
			d.Added = append(d.Added, *e)
		} else if o.Filename != e.Filename {
			d.Renamed = append(d.Renamed, *e)
		}
	}
	for uid := range t.orig {
		if !cur[uid] {
			d.Removed = append(d.Removed, uid)
		}
	}
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i] < d.Removed[j] })
	return d
}

// Stage writes the uidlist the transaction would commit to a temp file,
// without making it visible. Under the lock a file is staged when something
// changed or when none exists yet. An ENOSPC or EDQUOT failure is returned
// as ErrResourceExhausted; Commit then applies the state in memory only.
func (t *SyncTxn) Stage() error {
	if t.done {
		return errors.ErrTransactionDone
	}
	if t.staged {
		return t.stageErr
	}
	t.Finish()
	u := t.u
	if !t.locked {
		t.staged = true
		return nil
	}
	if t.validity == 0 {
		t.validity = uint32(u.clock.Now().Unix())
	}
	if !t.Changed() && u.exists {
		t.staged = true
		return nil
	}

	data := formatUIDList(t.validity, t.nextUID, u.headerExt, t.result())
	tmp, err := u.stage(data)
	if err != nil {
		if !errors.IsResourceExhausted(err) {
			return err
		}
		t.stageErr = fmt.Errorf("%w: %w", errors.ErrResourceExhausted, err)
	}
	t.staged = true
	t.tmp = tmp
	return t.stageErr
}

// Commit makes the transaction's state the uidlist's, staging it first if
// Stage was not called. A staged file replaces the uidlist by rename. If
// the write fails with ENOSPC or EDQUOT the new state is still applied in
// memory and ErrResourceExhausted is returned. keepLock keeps the uidlist
// lock for the caller.
func (t *SyncTxn) Commit(keepLock bool) error {
	if t.done {
		return errors.ErrTransactionDone
	}
	serr := t.Stage()
	if serr != nil && !errors.IsResourceExhausted(serr) {
		t.Rollback()
		return serr
	}
	t.done = true
	u := t.u
	defer func() {
		if !keepLock {
			u.Unlock()
		}
	}()

	entries := t.result()
	if !t.locked {
		// Degraded: adopt renames seen by the scan, write nothing.
		u.apply(u.validity, u.nextUID, entries)
		return nil
	}

	if tmp := t.tmp; tmp != "" {
		t.tmp = ""
		if err := u.publish(tmp); err != nil {
			if !errors.IsResourceExhausted(err) {
				return err
			}
			serr = fmt.Errorf("%w: %w", errors.ErrResourceExhausted, err)
		} else {
			u.exists = true
			if fi, err := u.fs.Stat(u.path); err == nil {
				u.stat = fi
			}
		}
	}
	// Entry state such as PendingRename applies even when nothing was
	// written.
	u.apply(t.validity, t.nextUID, entries)
	return serr
}

// Rollback discards the transaction, removes a staged file and releases
// the lock.
func (t *SyncTxn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if t.tmp != "" {
		t.u.discard(t.tmp)
		t.tmp = ""
	}
	t.u.Unlock()
}

func (u *UIDList) apply(validity, nextUID uint32, entries []*Entry) {
	u.validity = validity
	u.nextUID = nextUID
	u.entries = nil
	u.byUID = make(map[uint32]*Entry, len(entries))
	u.byKey = make(map[string]*Entry, len(entries))
	for _, e := range entries {
		e.Flags &^= Confirmed
		u.insert(e)
	}
	u.loaded = true
}
