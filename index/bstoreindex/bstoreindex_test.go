package bstoreindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/maildirsync/index"
)

func TestIndex_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	x, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	tx, err := x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx.RecordInsert(index.Record{UID: 1, Flags: []imap.Flag{imap.FlagSeen}})
	tx.RecordInsert(index.Record{UID: 2})
	tx.RecordInsert(index.Record{UID: 3})
	tx.RecordExpunge(2)
	tx.RecordExpunge(99)
	tx.RecordFlagChange(3, []imap.Flag{imap.FlagAnswered, imap.FlagDraft})
	tx.SetHeader(index.Header{UIDValidity: 1700000000, NextUID: 4, CurMtime: 42, CurMtimeNsec: 5, CurCheckTime: 43})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := x.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	x, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer x.Close()

	h, err := x.Header(ctx)
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	want := index.Header{UIDValidity: 1700000000, NextUID: 4, CurMtime: 42, CurMtimeNsec: 5, CurCheckTime: 43}
	if h != want {
		t.Errorf("header = %+v, want %+v", h, want)
	}

	tx, err = x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()
	recs, err := tx.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 2 || recs[0].UID != 1 || recs[1].UID != 3 {
		t.Fatalf("records = %+v, want uids 1 and 3", recs)
	}
	if len(recs[1].Flags) != 2 || recs[1].Flags[0] != imap.FlagAnswered {
		t.Errorf("uid 3 flags = %v", recs[1].Flags)
	}
}

func TestIndex_EmptyHeader(t *testing.T) {
	ctx := context.Background()
	x, err := Open(ctx, filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer x.Close()

	h, err := x.Header(ctx)
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if h != (index.Header{}) {
		t.Errorf("header of new index = %+v", h)
	}
}
