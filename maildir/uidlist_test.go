package maildir

import (
	"context"
	stderrors "errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

const testUIDList = "/mb/" + UIDListName

func newTestUIDList(t *testing.T) (*UIDList, *mailfs.Mem, *mailfs.FakeClock) {
	t.Helper()
	clock := mailfs.NewFakeClock(time.Unix(1700000000, 0))
	fsys := mailfs.NewMem(clock)
	if err := fsys.MkdirAll("/mb", 0700); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	opts := Options{
		FS:          fsys,
		Clock:       clock,
		Logger:      testLogger(),
		LockTimeout: 20 * time.Millisecond,
		PID:         4242,
		Hostname:    "testhost",
	}.withDefaults()
	return newUIDList(testUIDList, opts), fsys, clock
}

func TestParseUIDList_Version3(t *testing.T) {
	data := "3 V1700000000 N5 G123\n" +
		"1 :a,S=1:2,S\n" +
		"3 G9 X :b\n" +
		"4 c:2,\n"
	p, err := parseUIDList([]byte(data))
	if err != nil {
		t.Fatalf("parseUIDList failed: %v", err)
	}
	if p.version != 3 || p.validity != 1700000000 || p.nextUID != 5 {
		t.Fatalf("unexpected header %+v", p)
	}
	if len(p.headerExt) != 1 || p.headerExt[0] != "G123" {
		t.Fatalf("unexpected header extensions %v", p.headerExt)
	}
	if len(p.entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(p.entries))
	}
	if e := p.entries[0]; e.UID != 1 || e.Filename != "a,S=1:2,S" || len(e.Ext) != 0 {
		t.Errorf("entry 0: %+v", *e)
	}
	if e := p.entries[1]; e.UID != 3 || e.Filename != "b" || strings.Join(e.Ext, " ") != "G9 X" {
		t.Errorf("entry 1: %+v", *e)
	}
	if e := p.entries[2]; e.UID != 4 || e.Filename != "c:2," {
		t.Errorf("entry 2: %+v", *e)
	}
}

func TestParseUIDList_Version1(t *testing.T) {
	p, err := parseUIDList([]byte("1 1234 3\n1 a\n2 b:2,S\n"))
	if err != nil {
		t.Fatalf("parseUIDList failed: %v", err)
	}
	if p.version != 1 || p.validity != 1234 || p.nextUID != 3 || len(p.entries) != 2 {
		t.Fatalf("unexpected result %+v", p)
	}
	if p.entries[1].Filename != "b:2,S" {
		t.Fatalf("unexpected filename %q", p.entries[1].Filename)
	}
}

func TestParseUIDList_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"unknown version", "2 V1 N2\n"},
		{"missing next uid", "3 V1\n"},
		{"bad validity", "3 Vx N5\n"},
		{"short version 1 header", "1 1234\n"},
		{"not ascending", "3 V1 N5\n2 :a\n1 :b\n"},
		{"uid at next", "3 V1 N2\n2 :a\n"},
		{"duplicate key", "3 V1 N5\n1 :a:2,S\n2 :a:2,\n"},
		{"bad uid", "3 V1 N5\nx :a\n"},
		{"zero uid", "3 V1 N5\n0 :a\n"},
		{"missing filename", "3 V1 N5\n1 :\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseUIDList([]byte(tt.data))
			if !stderrors.Is(err, errors.ErrUIDListCorrupt) {
				t.Fatalf("expected ErrUIDListCorrupt, got %v", err)
			}
		})
	}
}

func TestFormatUIDList(t *testing.T) {
	entries := []*Entry{
		{UID: 1, Filename: "a:2,S"},
		{UID: 7, Filename: "b", Ext: []string{"G9"}},
	}
	got := string(formatUIDList(1700000000, 8, []string{"G123"}, entries))
	want := "3 V1700000000 N8 G123\n1 :a:2,S\n7 G9 :b\n"
	if got != want {
		t.Fatalf("formatUIDList = %q, want %q", got, want)
	}
}

func TestUIDList_Missing(t *testing.T) {
	u, _, _ := newTestUIDList(t)
	entries, err := u.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 0 || u.Exists() || !u.Loaded() || u.NextUID() != 1 {
		t.Fatalf("unexpected state of a missing uidlist: %d entries, exists=%v", len(entries), u.Exists())
	}
}

func TestUIDList_Refresh(t *testing.T) {
	u, fsys, clock := newTestUIDList(t)
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N2\n1 :a:2,\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := u.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if e, ok, _ := u.Lookup(1); !ok || e.Filename != "a:2," {
		t.Fatalf("Lookup(1) = %+v, %v", e, ok)
	}

	clock.Advance(time.Second)
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N3\n1 :a:2,S\n2 :b\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := u.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if e, ok, _ := u.LookupKey("a"); !ok || e.Filename != "a:2,S" {
		t.Fatalf("LookupKey(a) = %+v, %v", e, ok)
	}
	if u.NextUID() != 3 {
		t.Fatalf("expected next uid 3, got %d", u.NextUID())
	}
}

func TestUIDList_WriteBumpsMtime(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	if err := u.write([]byte("3 V1 N1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	first, err := fsys.Stat(testUIDList)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// Same clock second: the replacement must still look newer.
	if err := u.write([]byte("3 V1 N2\n1 :a\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	second, err := fsys.Stat(testUIDList)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !second.Mtime.After(first.Mtime) {
		t.Fatalf("mtime did not advance: %v then %v", first.Mtime, second.Mtime)
	}
	if second.SameFile(first) {
		t.Fatal("uidlist must be replaced, not rewritten in place")
	}
}

func TestSyncTxn_AssignsInFilenameOrder(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	ctx := context.Background()

	txn, err := u.BeginSync(ctx, TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if !txn.Locked() || !u.IsLocked() {
		t.Fatal("expected the lock to be held")
	}
	for _, name := range []string{"b:2,", "a:2,"} {
		if res, err := txn.Next(name); err != nil || res != SyncAccepted {
			t.Fatalf("Next(%q) = %s, %v", name, res, err)
		}
	}
	txn.Finish()
	d := txn.Delta()
	if len(d.Added) != 2 || d.Added[0].Filename != "a:2," || d.Added[1].UID != 2 {
		t.Fatalf("unexpected delta %+v", d)
	}
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if u.IsLocked() {
		t.Fatal("lock still held after Commit(false)")
	}
	if _, err := fsys.Stat(u.LockPath()); err == nil {
		t.Fatal("lock file left behind")
	}

	data, err := fsys.ReadFile(testUIDList)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := "3 V1700000000 N3\n1 :a:2,\n2 :b:2,\n"
	if string(data) != want {
		t.Fatalf("uidlist = %q, want %q", data, want)
	}
}

func TestSyncTxn_Duplicate(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	ctx := context.Background()
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N2\n1 :a:2,\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	txn, err := u.BeginSync(ctx, TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	defer txn.Rollback()

	if res, _ := txn.Next("a:2,S"); res != SyncAccepted {
		t.Fatalf("renamed file not accepted: %s", res)
	}
	if res, _ := txn.Next("a:2,T"); res != SyncDuplicate {
		t.Fatalf("second name of the same key not flagged: %s", res)
	}
	if res, _ := txn.Next("a:2,S"); res != SyncAccepted {
		t.Fatalf("same name seen twice must be accepted: %s", res)
	}
	if name, ok := txn.KnownFilename("a:2,T"); !ok || name != "a:2,S" {
		t.Fatalf("KnownFilename = %q, %v", name, ok)
	}
	txn.Finish()
	if d := txn.Delta(); len(d.Renamed) != 1 || d.Renamed[0].Filename != "a:2,S" {
		t.Fatalf("unexpected delta %+v", d)
	}
}

func TestSyncTxn_Restart(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	ctx := context.Background()
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N3\n1 :a\n2 :b\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	txn, err := u.BeginSync(ctx, TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	defer txn.Rollback()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := txn.Next(name); err != nil {
			t.Fatalf("Next(%q) failed: %v", name, err)
		}
	}
	txn.Restart()
	if _, err := txn.Next("a"); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	txn.Finish()

	if got := txn.Unconfirmed(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("Unconfirmed = %v, want [2]", got)
	}
	if txn.NextUID() != 3 {
		t.Fatalf("forgotten file got a uid: next %d", txn.NextUID())
	}

	txn.FinalizeRemovals()
	if d := txn.Delta(); len(d.Removed) != 1 || d.Removed[0] != 2 {
		t.Fatalf("unexpected delta %+v", d)
	}
}

func TestSyncTxn_EnsureNextUID(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	if err := fsys.WriteFile(testUIDList, []byte("3 V77 N3\n1 :a\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	txn, err := u.BeginSync(context.Background(), TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	defer txn.Rollback()

	txn.EnsureNextUID(10, 77)
	if txn.NextUID() != 10 {
		t.Fatalf("expected next uid 10, got %d", txn.NextUID())
	}
	txn.EnsureNextUID(20, 78)
	txn.EnsureNextUID(5, 77)
	if txn.NextUID() != 10 || txn.Validity() != 77 {
		t.Fatalf("expected 77/10, got %d/%d", txn.Validity(), txn.NextUID())
	}
}

func TestSyncTxn_NoLock(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N2\n1 :a\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	before, _ := fsys.Stat(testUIDList)

	txn, err := u.BeginSync(context.Background(), TxnFlags{NoLock: true})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if txn.Locked() {
		t.Fatal("NoLock transaction claims the lock")
	}
	if _, err := txn.AddSaved("x"); !stderrors.Is(err, errors.ErrLockTimeout) {
		t.Fatalf("AddSaved without lock: %v", err)
	}
	txn.Next("b")
	txn.Finish()
	txn.FinalizeRemovals()
	if entries := txn.Entries(); txn.NextUID() != 2 || len(entries) != 1 || entries[0].Filename != "a" {
		t.Fatalf("degraded pass assigned or removed: next %d entries %v", txn.NextUID(), entries)
	}
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	after, _ := fsys.Stat(testUIDList)
	if !after.SameFile(before) {
		t.Fatal("degraded commit rewrote the uidlist")
	}
}

func TestSyncTxn_CorruptNeedsForce(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N2\n5 :a\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := u.BeginSync(context.Background(), TxnFlags{}); !stderrors.Is(err, errors.ErrUIDListCorrupt) {
		t.Fatalf("expected ErrUIDListCorrupt, got %v", err)
	}
	if u.IsLocked() {
		t.Fatal("lock kept after a failed BeginSync")
	}

	txn, err := u.BeginSync(context.Background(), TxnFlags{Force: true})
	if err != nil {
		t.Fatalf("forced BeginSync failed: %v", err)
	}
	txn.Next("a")
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	// The rebuilt list continues after the broken one's next uid.
	if e, ok, _ := u.Lookup(2); !ok || e.Filename != "a" {
		t.Fatalf("rebuilt uidlist lacks a as uid 2: %+v %v", e, ok)
	}
	if u.UIDValidity() != 1 || u.NextUID() != 3 {
		t.Fatalf("expected validity 1 next 3, got %d/%d", u.UIDValidity(), u.NextUID())
	}
}

func TestSyncTxn_CorruptWithoutLock(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	corrupt := "3 V1 N3\n1 :a:2,\n2 :a:2,S\n"
	if err := fsys.WriteFile(testUIDList, []byte(corrupt)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	txn, err := u.BeginSync(context.Background(), TxnFlags{NoLock: true})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	txn.Next("a:2,")
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if l, err := u.Entries(); err != nil || len(l) != 0 {
		t.Fatalf("expected no entries, got %v %v", l, err)
	}
	data, _ := fsys.ReadFile(testUIDList)
	if string(data) != corrupt {
		t.Fatalf("unlocked pass touched the uidlist: %q", data)
	}
}

func TestParseUIDList_CorruptKeepsHeader(t *testing.T) {
	p, err := parseUIDList([]byte("3 V7 N9 G1\n1 :a\n1 :b\n"))
	if !stderrors.Is(err, errors.ErrUIDListCorrupt) {
		t.Fatalf("expected ErrUIDListCorrupt, got %v", err)
	}
	if p == nil || p.validity != 7 || p.nextUID != 9 || len(p.entries) != 0 {
		t.Fatalf("expected header 7/9 without entries, got %+v", p)
	}

	if p, _ := parseUIDList([]byte("3 Vx N9\n")); p != nil {
		t.Fatalf("a broken header must not be salvaged, got %+v", p)
	}
}

func TestParseUIDList_PendingRename(t *testing.T) {
	p, err := parseUIDList([]byte("3 V1 N3\n1 RFS :a:2,\n2 G5 :b:2,\n"))
	if err != nil {
		t.Fatalf("parseUIDList failed: %v", err)
	}
	a, b := p.entries[0], p.entries[1]
	flags, ok := a.PendingFlags()
	if !a.Flags.Has(PendingRename) || !ok || string([]rune{rune(flags[0]), rune(flags[1])}) != "FS" {
		t.Fatalf("expected pending FS on a, got %+v", a)
	}
	if b.Flags.Has(PendingRename) {
		t.Fatalf("b is not pending: %+v", b)
	}
}

func TestSyncTxn_PendingRename(t *testing.T) {
	u, fsys, clock := newTestUIDList(t)
	if err := fsys.WriteFile(testUIDList, []byte("3 V1 N2\n1 G5 :a:2,\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ctx := context.Background()

	txn, err := u.BeginSync(ctx, TxnFlags{Partial: true})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if !txn.SetPending(1, []maildir.Flag{maildir.FlagFlagged}) {
		t.Fatal("SetPending did not find uid 1")
	}
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	data, _ := fsys.ReadFile(testUIDList)
	if string(data) != "3 V1 N2\n1 G5 RF :a:2,\n" {
		t.Fatalf("unexpected uidlist %q", data)
	}

	// Another reader sees the pending rename.
	other := newUIDList(testUIDList, Options{FS: fsys, Clock: clock, Logger: testLogger()}.withDefaults())
	if e, ok, err := other.Lookup(1); err != nil || !ok || !e.Flags.Has(PendingRename) {
		t.Fatalf("expected pending entry, got %+v %v %v", e, ok, err)
	}

	clock.Advance(time.Second)
	txn, err = u.BeginSync(ctx, TxnFlags{Partial: true})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	if len(txn.Pending()) != 1 {
		t.Fatalf("expected one pending entry, got %+v", txn.Pending())
	}
	txn.SetFilename(1, "a:2,F")
	if err := txn.Commit(false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	data, _ = fsys.ReadFile(testUIDList)
	if string(data) != "3 V1 N2\n1 G5 :a:2,F\n" {
		t.Fatalf("unexpected uidlist %q", data)
	}
}

func TestSyncTxn_StageRollback(t *testing.T) {
	u, fsys, _ := newTestUIDList(t)
	txn, err := u.BeginSync(context.Background(), TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	txn.Next("a")
	if err := txn.Stage(); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if names := listDir(t, fsys, "/mb"); len(names) != 2 {
		t.Fatalf("expected lock and staged file, got %v", names)
	}
	if _, err := fsys.Stat(testUIDList); !errors.IsNotExist(err) {
		t.Fatalf("staged uidlist is visible: %v", err)
	}

	txn.Rollback()
	if names := listDir(t, fsys, "/mb"); len(names) != 0 {
		t.Fatalf("rollback left %v", names)
	}
	if l, _ := u.Entries(); len(l) != 0 {
		t.Fatalf("rollback applied entries %+v", l)
	}
}

func listDir(t *testing.T, fsys mailfs.FS, dir string) []string {
	t.Helper()
	d, err := fsys.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	defer d.Close()
	names, err := d.Next(100)
	if err != nil && err != io.EOF {
		t.Fatalf("Next failed: %v", err)
	}
	return names
}

func TestSyncTxn_Done(t *testing.T) {
	u, _, _ := newTestUIDList(t)
	txn, err := u.BeginSync(context.Background(), TxnFlags{})
	if err != nil {
		t.Fatalf("BeginSync failed: %v", err)
	}
	txn.Rollback()
	if _, err := txn.Next("a"); !stderrors.Is(err, errors.ErrTransactionDone) {
		t.Fatalf("Next after Rollback: %v", err)
	}
	if err := txn.Commit(false); !stderrors.Is(err, errors.ErrTransactionDone) {
		t.Fatalf("Commit after Rollback: %v", err)
	}
}
