package memindex

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
)

func TestIndex_CommitAppliesOps(t *testing.T) {
	ctx := context.Background()
	x := New()

	tx, err := x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx.RecordInsert(index.Record{UID: 1})
	tx.RecordInsert(index.Record{UID: 2, Flags: []imap.Flag{imap.FlagSeen}})
	tx.RecordFlagChange(1, []imap.Flag{imap.FlagFlagged})
	tx.RecordExpunge(2)
	tx.SetHeader(index.Header{UIDValidity: 7, NextUID: 3})
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	recs := x.Records()
	if len(recs) != 1 || recs[0].UID != 1 {
		t.Fatalf("records = %+v, want only uid 1", recs)
	}
	if len(recs[0].Flags) != 1 || recs[0].Flags[0] != imap.FlagFlagged {
		t.Errorf("flags = %v, want [\\Flagged]", recs[0].Flags)
	}
	h, _ := x.Header(ctx)
	if h.UIDValidity != 7 || h.NextUID != 3 {
		t.Errorf("header = %+v", h)
	}
	if err := tx.Commit(ctx); err != errors.ErrTransactionDone {
		t.Errorf("second Commit = %v, want ErrTransactionDone", err)
	}
}

func TestIndex_RollbackDiscards(t *testing.T) {
	ctx := context.Background()
	x := New()

	tx, err := x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	tx.RecordInsert(index.Record{UID: 1})
	tx.Rollback()
	tx.Rollback()

	if recs := x.Records(); len(recs) != 0 {
		t.Fatalf("records after rollback = %+v", recs)
	}
	if x.Commits != 0 {
		t.Errorf("commits = %d", x.Commits)
	}
}

func TestIndex_BeginHoldsLock(t *testing.T) {
	ctx := context.Background()
	x := New()

	tx, err := x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := x.Begin(short); err == nil {
		t.Fatal("second Begin succeeded while the first transaction was open")
	}

	tx.Rollback()
	tx2, err := x.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin after Rollback failed: %v", err)
	}
	tx2.Rollback()
}

func TestRegistered(t *testing.T) {
	x, err := index.Open("memory", "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := x.(*Index); !ok {
		t.Fatalf("Open returned %T", x)
	}
}
