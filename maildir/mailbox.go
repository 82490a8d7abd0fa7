package maildir

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
	"github.com/infodancer/maildirsync/index/memindex"
	"github.com/infodancer/maildirsync/mailfs"
)

// DegradedNotice is shown to users when a sync ran without the uidlist lock.
const DegradedNotice = "Internal mailbox synchronization failure, showing only old mails."

// State is the position of a Mailbox in its sync state machine.
type State int

const (
	StateIdle State = iota
	StateQuickChecking
	StateSkip
	StateLocking
	StateDegraded
	StateScanning
	StateRacing
	StateCommitting
)

var stateNames = []string{"idle", "quick-checking", "skip", "locking", "degraded", "scanning", "racing", "committing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SyncFlags select how Sync runs.
type SyncFlags struct {
	// FullRead rescans a dirty directory even inside the drift window.
	FullRead bool
	// Fast makes a single attempt at the uidlist lock and skips the pass if
	// it is held elsewhere.
	Fast bool
	// ForceResync skips the quick check and always scans.
	ForceResync bool
}

// SyncResult reports what a sync changed.
type SyncResult struct {
	// Changed is set when the uidlist or the index changed.
	Changed bool

	// Degraded: the uidlist lock could not be taken. New files got no UIDs
	// and nothing was removed.
	Degraded bool
	Notice   string

	// DurabilityDeferred: the uidlist could not be written (ENOSPC, EDQUOT)
	// but its new state is in effect for this handle.
	DurabilityDeferred bool

	Reason          Reason
	Skipped         bool
	Added           int
	Expunged        int
	FlagChanges     int
	Renamed         int
	DuplicatesFixed int
	TookTooLong     bool
	Retries         int

	// Found is set by ForceSync when the UID exists after the sync.
	Found bool
}

func (r *SyncResult) merge(o SyncResult) {
	r.Changed = r.Changed || o.Changed
	r.Degraded = r.Degraded || o.Degraded
	if o.Notice != "" {
		r.Notice = o.Notice
	}
	r.DurabilityDeferred = r.DurabilityDeferred || o.DurabilityDeferred
	r.Reason |= o.Reason
	r.Skipped = o.Skipped
	r.Added += o.Added
	r.Expunged += o.Expunged
	r.FlagChanges += o.FlagChanges
	r.Renamed += o.Renamed
	r.DuplicatesFixed += o.DuplicatesFixed
	r.TookTooLong = o.TookTooLong
	r.Retries += o.Retries
}

// Message is a message known to the uidlist.
type Message struct {
	UID      uint32
	Filename string
	Size     int64
	Flags    []imap.Flag
}

// Mailbox is a handle on one maildir. It owns its uidlist, lock and cached
// sync header; nothing is shared between handles. A Mailbox serializes its
// own operations.
type Mailbox struct {
	mu sync.Mutex

	path   string
	curDir string
	layout *Layout
	opts   Options
	fs     mailfs.FS
	clock  mailfs.Clock
	logger *slog.Logger

	idx       index.Index
	ownsIndex bool
	uidlist   *UIDList
	oracle    *TimestampOracle
	check     QuickCheck
	resolver  *DuplicateResolver

	header       index.Header
	headerLoaded bool
	state        State

	// uidlistRefreshed limits Lookup to one refresh between syncs.
	uidlistRefreshed bool
}

// Open returns a handle on the maildir at path. The directory is not
// touched until the first operation.
func Open(path string, opts Options) (*Mailbox, error) {
	if path == "" {
		return nil, errors.ErrStoreConfigInvalid
	}
	opts = opts.withDefaults()
	m := &Mailbox{
		path:   path,
		curDir: filepath.Join(path, "cur"),
		layout: NewLayout(path, opts.FS),
		opts:   opts,
		fs:     opts.FS,
		clock:  opts.Clock,
		logger: opts.Logger.With(slog.String("mailbox", path)),
		idx:    opts.Index,
		check:  QuickCheck{SyncSecs: opts.syncSecs(), VeryDirty: opts.VeryDirtySyncs},
	}
	m.opts.Logger = m.logger
	if m.idx == nil {
		m.idx = memindex.New()
		m.ownsIndex = true
	}
	m.uidlist = newUIDList(filepath.Join(path, UIDListName), m.opts)
	m.oracle = &TimestampOracle{
		FS:       m.fs,
		Clock:    m.clock,
		Retries:  opts.DeleteRetryCount,
		Recreate: opts.RecreateDir,
	}
	m.resolver = &DuplicateResolver{
		FS:     m.fs,
		Clock:  m.clock,
		Logger: m.logger,
		Grace:  opts.DupeLinkGrace,
	}
	return m, nil
}

// Path returns the maildir root.
func (m *Mailbox) Path() string {
	return m.path
}

// Layout returns the directory layout of the maildir.
func (m *Mailbox) Layout() *Layout {
	return m.layout
}

// Create creates the maildir directories if they are missing.
func (m *Mailbox) Create() error {
	if m.layout.Exists() {
		return nil
	}
	return m.layout.Create()
}

// State returns the current state machine state.
func (m *Mailbox) State() State {
	return m.state
}

// UIDList exposes the handle's uidlist for read access.
func (m *Mailbox) UIDList() *UIDList {
	return m.uidlist
}

// Header returns the cached sync header.
func (m *Mailbox) Header() index.Header {
	return m.header
}

// Close releases the uidlist lock if still held and closes an index the
// handle opened itself.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uidlist.Unlock()
	if m.ownsIndex {
		return m.idx.Close()
	}
	return nil
}

func (m *Mailbox) setState(s State) {
	if m.state != s {
		m.logger.Debug("sync state",
			slog.String("from", m.state.String()),
			slog.String("to", s.String()))
	}
	m.state = s
}

func (m *Mailbox) loadHeader(ctx context.Context) error {
	h, err := m.idx.Header(ctx)
	if err != nil {
		return fmt.Errorf("reading index header: %w", err)
	}
	m.header = h
	m.headerLoaded = true
	return nil
}

// quickCheck reports whether cur/ must be scanned. A positive answer is
// re-checked once against a freshly read index header, since another
// process may have synced in the meantime.
func (m *Mailbox) quickCheck(ctx context.Context, flags SyncFlags) (bool, Reason, error) {
	if !m.headerLoaded {
		if err := m.loadHeader(ctx); err != nil {
			return false, 0, err
		}
	}
	snap, err := m.oracle.Snapshot(ctx, m.curDir)
	if err != nil {
		return false, 0, err
	}
	check := func() (bool, Reason) {
		// Inside the drift window a dirty directory is left alone unless
		// the caller asked for a full read; the mtime comparison still
		// applies.
		skipDelayed := !flags.FullRead && m.header.CurCheckTime >= snap.Now.Unix()-m.check.SyncSecs
		return m.check.Check(m.header, snap, skipDelayed)
	}
	changed, why := check()
	if !changed {
		return false, why, nil
	}
	if err := m.loadHeader(ctx); err != nil {
		return false, 0, err
	}
	changed, why = check()
	return changed, why, nil
}

// IsInSync reports whether a sync would skip scanning.
func (m *Mailbox) IsInSync(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed, _, err := m.quickCheck(ctx, SyncFlags{})
	if err != nil {
		return false, err
	}
	return !changed, nil
}

// Sync reconciles the uidlist and the index with cur/.
func (m *Mailbox) Sync(ctx context.Context, flags SyncFlags) (SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run(ctx, flags, flags.ForceResync)
}

// run drives sync passes. A racing pass is retried, forced, at most
// RaceRetries times.
func (m *Mailbox) run(ctx context.Context, flags SyncFlags, forced bool) (SyncResult, error) {
	var res SyncResult
	defer m.setState(StateIdle)
	for attempt := 0; ; attempt++ {
		pass, racing, err := m.pass(ctx, flags, forced)
		res.merge(pass)
		if err != nil {
			syncTotal.WithLabelValues("error").Inc()
			return res, err
		}
		switch {
		case pass.Skipped:
			syncTotal.WithLabelValues("skip").Inc()
		case pass.Degraded:
			syncTotal.WithLabelValues("degraded").Inc()
		case pass.DurabilityDeferred:
			syncTotal.WithLabelValues("deferred").Inc()
		default:
			syncTotal.WithLabelValues("ok").Inc()
		}
		if !racing || attempt >= m.opts.RaceRetries {
			break
		}
		m.setState(StateRacing)
		raceRetries.Inc()
		res.Retries++
		m.logger.Debug("retrying racing sync")
		forced = true
		flags = SyncFlags{}
	}
	m.uidlistRefreshed = false
	return res, nil
}

func isLockFailure(err error) bool {
	return stderrors.Is(err, errors.ErrLockTimeout) || stderrors.Is(err, errors.ErrMailboxLocked)
}

// pass runs the state machine once. It reports whether the scan was racing.
func (m *Mailbox) pass(ctx context.Context, flags SyncFlags, forced bool) (res SyncResult, racing bool, rerr error) {
	m.setState(StateQuickChecking)
	why := ReasonForced
	if !forced {
		changed, reason, err := m.quickCheck(ctx, flags)
		if err != nil {
			return res, false, err
		}
		if !changed {
			m.setState(StateSkip)
			res.Skipped = true
			return res, false, nil
		}
		why = reason
	}
	res.Reason = why
	m.logger.Debug("scan needed", slog.String("why", why.String()))

	m.setState(StateLocking)
	txn, err := m.uidlist.BeginSync(ctx, TxnFlags{Force: forced, TryLock: flags.Fast})
	if err != nil && !forced && stderrors.Is(err, errors.ErrUIDListCorrupt) {
		// Rebuild from the directory; UIDs continue after the broken
		// list's and the index's.
		why |= ReasonForced
		res.Reason = why
		txn, err = m.uidlist.BeginSync(ctx, TxnFlags{Force: true, TryLock: flags.Fast})
	}
	if err != nil {
		if !isLockFailure(err) {
			return res, false, err
		}
		lockFailures.Inc()
		if flags.Fast && !forced {
			m.logger.Debug("uidlist locked elsewhere, skipping sync")
			m.setState(StateSkip)
			res.Skipped = true
			return res, false, nil
		}
		m.setState(StateDegraded)
		m.logger.Warn("syncing without uidlist lock",
			slog.String("lock", m.uidlist.LockPath()),
			slog.String("error", err.Error()))
		txn, err = m.uidlist.BeginSync(ctx, TxnFlags{NoLock: true})
		if err != nil {
			return res, false, err
		}
		res.Degraded = true
		res.Notice = DegradedNotice
	}

	itx, err := m.idx.Begin(ctx)
	if err != nil {
		txn.Rollback()
		return res, false, fmt.Errorf("beginning index transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			itx.Rollback()
			txn.Rollback()
		}
		m.uidlist.Unlock()
	}()
	ih := itx.Header()

	if txn.Locked() {
		if err := m.retryPendingRenames(txn); err != nil {
			return res, false, err
		}
	}

	m.setState(StateScanning)
	scanner := &Scanner{
		FS:       m.fs,
		Clock:    m.clock,
		Logger:   m.logger,
		Resolver: m.resolver,
		Opts:     m.opts,
		Touch:    func() { m.uidlist.touchLock(m.opts.LockTouchInterval) },
	}
	out, err := scanner.Scan(ctx, m.curDir, txn, why)
	if err != nil {
		return res, false, err
	}
	res.DuplicatesFixed = out.DuplicatesFixed
	res.TookTooLong = out.TookTooLong

	if ih.UIDValidity != 0 {
		txn.EnsureNextUID(ih.NextUID, ih.UIDValidity)
	}
	txn.SetValidity(uint32(m.clock.Now().Unix()))
	txn.Finish()
	if out.Settled && !out.TookTooLong && txn.Locked() {
		txn.FinalizeRemovals()
	} else if n := len(txn.Unconfirmed()); n > 0 {
		m.logger.Debug("keeping unconfirmed entries",
			slog.Int("count", n),
			slog.Bool("settled", out.Settled),
			slog.Bool("took_too_long", out.TookTooLong),
			slog.Bool("locked", txn.Locked()))
	}

	m.setState(StateCommitting)
	delta := txn.Delta()
	entries := txn.Entries()
	recs, err := itx.Records(ctx)
	if err != nil {
		return res, false, fmt.Errorf("reading index records: %w", err)
	}

	newHeader := ih
	newHeader.CurMtime = out.Header.Mtime
	newHeader.CurMtimeNsec = out.Header.MtimeNsec
	newHeader.CurCheckTime = out.CheckTime
	if txn.Locked() {
		newHeader.UIDValidity = txn.Validity()
		newHeader.NextUID = txn.NextUID()
	}
	if !txn.Locked() || out.Racing || out.TookTooLong {
		// Make sure the next quick check rescans.
		newHeader.CurMtime = 0
		newHeader.CurMtimeNsec = 0
	}

	// A locked commit writes the file when something changed or when it
	// does not exist yet.
	wrote := txn.Locked() && (txn.Changed() || !m.uidlist.Exists())

	inserts, expunges, flagChanges := indexDelta(entries, recs)
	for _, r := range inserts {
		itx.RecordInsert(r)
	}
	for _, uid := range expunges {
		itx.RecordExpunge(uid)
	}
	for _, r := range flagChanges {
		itx.RecordFlagChange(r.UID, r.Flags)
	}
	itx.SetHeader(newHeader)
	// commit rolls both back on failure.
	committed = true
	deferred, err := m.commit(ctx, txn, itx, func() {
		m.header = newHeader
		m.headerLoaded = true
	})
	if err != nil {
		return res, false, err
	}
	res.DurabilityDeferred = deferred

	res.Added = len(inserts)
	res.Expunged = len(expunges)
	res.FlagChanges = len(flagChanges)
	res.Renamed = len(delta.Renamed)
	res.Changed = wrote || len(delta.Added)+len(delta.Removed)+len(delta.Renamed) > 0 ||
		len(inserts)+len(expunges)+len(flagChanges) > 0
	return res, out.Racing, nil
}

// commit stages the uidlist, commits the index and then publishes the
// uidlist, so a failing index commit leaves the uidlist as it was on disk
// and in memory. indexDone runs once the index is committed. deferred
// reports a uidlist that could only be applied in memory.
func (m *Mailbox) commit(ctx context.Context, txn *SyncTxn, itx index.Txn, indexDone func()) (deferred bool, rerr error) {
	var lost error
	if err := txn.Stage(); err != nil {
		if !errors.IsResourceExhausted(err) {
			itx.Rollback()
			txn.Rollback()
			return false, err
		}
		lost = err
	}
	if err := itx.Commit(ctx); err != nil {
		txn.Rollback()
		return false, fmt.Errorf("committing index: %w", err)
	}
	if indexDone != nil {
		indexDone()
	}
	if err := txn.Commit(true); err != nil {
		if !errors.IsResourceExhausted(err) {
			return false, err
		}
		lost = err
	}
	if lost != nil {
		m.logger.Warn("uidlist not persisted, continuing in memory",
			slog.String("path", m.uidlist.Path()),
			slog.String("error", lost.Error()))
		return true, nil
	}
	return false, nil
}

// retryPendingRenames gives files the flags of renames deferred for lack of
// space. An entry stays pending while its rename keeps failing that way.
func (m *Mailbox) retryPendingRenames(txn *SyncTxn) error {
	for _, e := range txn.Pending() {
		flags, _ := e.PendingFlags()
		newName := ParseFilename(e.Filename).WithFlags(flags).String()
		if newName != e.Filename {
			oldPath := filepath.Join(m.curDir, e.Filename)
			err := m.fs.Rename(oldPath, filepath.Join(m.curDir, newName))
			switch {
			case err == nil:
			case errors.IsNotExist(err):
				// Renamed or removed by someone else; the scan sorts it out.
				continue
			case errors.IsResourceExhausted(err):
				m.logger.Debug("flag rename still deferred",
					slog.String("path", oldPath),
					slog.String("error", err.Error()))
				continue
			default:
				return errors.Op("rename", oldPath, err)
			}
		}
		m.logger.Debug("applied deferred flag rename",
			slog.Int("uid", int(e.UID)),
			slog.String("filename", newName))
		txn.SetFilename(e.UID, newName)
	}
	return nil
}

// repairUIDList rebuilds a corrupt uidlist with a forced sync. Other errors
// are returned as they are.
func (m *Mailbox) repairUIDList(ctx context.Context, err error) error {
	if !stderrors.Is(err, errors.ErrUIDListCorrupt) {
		return err
	}
	m.logger.Warn("uidlist corrupt, resyncing", slog.String("error", err.Error()))
	_, err = m.run(ctx, SyncFlags{}, true)
	return err
}

// indexDelta compares the uidlist entries with the index records.
func indexDelta(entries []Entry, recs []index.Record) (inserts []index.Record, expunges []uint32, flagChanges []index.Record) {
	byUID := make(map[uint32]index.Record, len(recs))
	for _, r := range recs {
		byUID[r.UID] = r
	}
	live := make(map[uint32]bool, len(entries))
	for _, e := range entries {
		live[e.UID] = true
		flags := flagsToIMAP(ParseFilename(e.Filename).Flags())
		if pending, ok := e.PendingFlags(); ok {
			flags = flagsToIMAP(pending)
		}
		r, ok := byUID[e.UID]
		if !ok {
			inserts = append(inserts, index.Record{UID: e.UID, Flags: flags})
			continue
		}
		// A pending rename's wanted flags are already in the index.
		if e.Flags.Has(PendingRename) {
			continue
		}
		if !sameFlags(r.Flags, flags) {
			flagChanges = append(flagChanges, index.Record{UID: e.UID, Flags: flags})
		}
	}
	for _, r := range recs {
		if !live[r.UID] {
			expunges = append(expunges, r.UID)
		}
	}
	return inserts, expunges, flagChanges
}

// ForceSync scans regardless of the quick check, looking for uid. The first
// pass makes a single lock attempt; if uid is still missing a second,
// blocking pass checks whether it was expunged.
func (m *Mailbox) ForceSync(ctx context.Context, uid uint32) (SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forceSync(ctx, uid)
}

func (m *Mailbox) forceSync(ctx context.Context, uid uint32) (SyncResult, error) {
	res, err := m.run(ctx, SyncFlags{Fast: true}, true)
	if err != nil {
		return res, err
	}
	if _, ok, err := m.uidlist.Lookup(uid); err != nil {
		return res, err
	} else if ok {
		res.Found = true
		return res, nil
	}

	again, err := m.run(ctx, SyncFlags{}, true)
	res.merge(again)
	if err != nil {
		return res, err
	}
	_, res.Found, err = m.uidlist.Lookup(uid)
	return res, err
}

// Lookup returns the uidlist entry of uid. A miss refreshes the uidlist
// once; when there is no uidlist at all, a forced sync builds it.
func (m *Mailbox) Lookup(ctx context.Context, uid uint32) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(ctx, uid)
}

func (m *Mailbox) lookup(ctx context.Context, uid uint32) (Entry, error) {
	e, ok, err := m.uidlist.Lookup(uid)
	if err != nil {
		if err := m.repairUIDList(ctx, err); err != nil {
			return Entry{}, err
		}
		e, ok, err = m.uidlist.Lookup(uid)
		if err != nil {
			return Entry{}, err
		}
	}
	if ok {
		return e, nil
	}

	if m.uidlist.Exists() {
		if m.uidlistRefreshed {
			return Entry{}, errors.ErrMessageNotFound
		}
		m.uidlistRefreshed = true
		if err := m.uidlist.Refresh(); err != nil {
			if err := m.repairUIDList(ctx, err); err != nil {
				return Entry{}, err
			}
		}
	} else if _, err := m.forceSync(ctx, uid); err != nil {
		return Entry{}, err
	}

	e, ok, err = m.uidlist.Lookup(uid)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, errors.ErrMessageNotFound
	}
	return e, nil
}

// OpenMessage opens the file of uid. If the file was renamed away by
// another process, a forced sync finds its new name and the open is retried
// once.
func (m *Mailbox) OpenMessage(ctx context.Context, uid uint32) (io.ReadCloser, Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookup(ctx, uid)
	if err != nil {
		return nil, Entry{}, err
	}
	f, err := m.fs.Open(filepath.Join(m.curDir, e.Filename))
	if err == nil {
		return f, e, nil
	}
	if !errors.IsNotExist(err) {
		return nil, Entry{}, errors.Op("open", filepath.Join(m.curDir, e.Filename), err)
	}

	if _, err := m.forceSync(ctx, uid); err != nil {
		return nil, Entry{}, err
	}
	e, ok, err := m.uidlist.Lookup(uid)
	if err != nil {
		return nil, Entry{}, err
	}
	if !ok {
		return nil, Entry{}, errors.ErrMessageNotFound
	}
	f, err = m.fs.Open(filepath.Join(m.curDir, e.Filename))
	if err != nil {
		if errors.IsNotExist(err) {
			return nil, Entry{}, errors.ErrMessageNotFound
		}
		return nil, Entry{}, errors.Op("open", filepath.Join(m.curDir, e.Filename), err)
	}
	return f, e, nil
}

// Messages returns the messages of the uidlist ordered by UID. It does not
// sync, unless the uidlist is corrupt and has to be rebuilt.
func (m *Mailbox) Messages(ctx context.Context) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.uidlist.Entries()
	if err != nil {
		if err := m.repairUIDList(ctx, err); err != nil {
			return nil, err
		}
		if entries, err = m.uidlist.Entries(); err != nil {
			return nil, err
		}
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		fn := ParseFilename(e.Filename)
		size, ok := fn.Size()
		if !ok {
			fi, err := m.fs.Stat(filepath.Join(m.curDir, e.Filename))
			if err != nil {
				// Gone since the last sync.
				continue
			}
			size = fi.Size
		}
		flags := fn.Flags()
		if pending, ok := e.PendingFlags(); ok {
			flags = pending
		}
		msgs = append(msgs, Message{
			UID:      e.UID,
			Filename: e.Filename,
			Size:     size,
			Flags:    flagsToIMAP(flags),
		})
	}
	return msgs, nil
}

// Expunge removes the files of uids and drops them from the uidlist and
// the index. Without the lock the files are still removed; the next locked
// sync drops the entries.
func (m *Mailbox) Expunge(ctx context.Context, uids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, err := m.uidlist.BeginSync(ctx, TxnFlags{Partial: true})
	if err != nil {
		if !isLockFailure(err) {
			return err
		}
		lockFailures.Inc()
		m.logger.Warn("expunging without uidlist lock", slog.String("error", err.Error()))
		for _, uid := range uids {
			e, ok, err := m.uidlist.Lookup(uid)
			if err != nil {
				return err
			}
			if ok {
				if err := m.removeFile(e.Filename); err != nil {
					return err
				}
			}
		}
		return nil
	}
	defer m.uidlist.Unlock()

	itx, err := m.idx.Begin(ctx)
	if err != nil {
		txn.Rollback()
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	var removed []uint32
	for _, uid := range uids {
		e, ok, err := m.uidlist.Lookup(uid)
		if err != nil {
			itx.Rollback()
			txn.Rollback()
			return err
		}
		if !ok {
			continue
		}
		if err := m.removeFile(e.Filename); err != nil {
			itx.Rollback()
			txn.Rollback()
			return err
		}
		txn.Remove(uid)
		removed = append(removed, uid)
	}

	for _, uid := range removed {
		itx.RecordExpunge(uid)
	}
	_, err = m.commit(ctx, txn, itx, nil)
	return err
}

func (m *Mailbox) removeFile(filename string) error {
	path := filepath.Join(m.curDir, filename)
	if err := m.fs.Remove(path); err != nil && !errors.IsNotExist(err) {
		return errors.Op("unlink", path, err)
	}
	return nil
}

// SetFlags renames uid's file to carry flags and records them in the index.
// If the rename fails for lack of space the entry is left PendingRename, the
// wanted flags are kept in the uidlist and the index gets them anyway; a
// later locked sync retries the rename.
func (m *Mailbox) SetFlags(ctx context.Context, uid uint32, flags []imap.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; ; attempt++ {
		retry, err := m.setFlags(ctx, uid, flags)
		if err != nil || !retry || attempt > 0 {
			return err
		}
		// The file was renamed by someone else; find its new name.
		if _, err := m.forceSync(ctx, uid); err != nil {
			return err
		}
	}
}

func (m *Mailbox) setFlags(ctx context.Context, uid uint32, flags []imap.Flag) (retry bool, rerr error) {
	txn, err := m.uidlist.BeginSync(ctx, TxnFlags{Partial: true})
	if err != nil {
		return false, err
	}
	defer m.uidlist.Unlock()

	e, ok, err := m.uidlist.Lookup(uid)
	if err != nil || !ok {
		txn.Rollback()
		if err == nil {
			err = errors.ErrMessageNotFound
		}
		return false, err
	}

	want := ParseFilename(e.Filename).WithFlags(flagsFromIMAP(flags))
	newName := want.String()
	if newName == e.Filename {
		// Also drops a pending rename the new flags made moot.
		txn.SetFilename(uid, newName)
	} else {
		oldPath := filepath.Join(m.curDir, e.Filename)
		err := m.fs.Rename(oldPath, filepath.Join(m.curDir, newName))
		switch {
		case err == nil:
			txn.SetFilename(uid, newName)
		case errors.IsNotExist(err):
			txn.Rollback()
			return true, nil
		case errors.IsResourceExhausted(err):
			m.logger.Warn("flag rename deferred",
				slog.String("path", oldPath),
				slog.String("error", err.Error()))
			txn.SetPending(uid, want.Flags())
		default:
			txn.Rollback()
			return false, errors.Op("rename", oldPath, err)
		}
	}

	itx, err := m.idx.Begin(ctx)
	if err != nil {
		txn.Rollback()
		return false, fmt.Errorf("beginning index transaction: %w", err)
	}
	itx.RecordFlagChange(uid, flags)
	_, err = m.commit(ctx, txn, itx, nil)
	return false, err
}
