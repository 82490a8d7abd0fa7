// Package index defines the external mailbox index the maildir engine keeps
// consistent with the directory on disk.
//
// The index is a transactional store of one record per UID plus a small sync
// header. Backends register themselves by name, like message stores do:
//
//	import _ "github.com/infodancer/maildirsync/index/bstoreindex"
//
//	idx, err := index.Open("bstore", "/var/mail/alice/Maildir/maildirsync.db")
package index

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// Header is the per-mailbox sync header persisted with the index.
//
// CurCheckTime is the wall clock time (unix seconds) at which the last scan
// of cur/ started. While CurCheckTime <= CurMtime + SyncSecs the directory
// may have changed after the scan started and must still be treated as
// dirty.
type Header struct {
	UIDValidity uint32
	NextUID     uint32

	CurMtime     int64
	CurMtimeNsec int32
	CurCheckTime int64
}

// Record is the index entry of one message.
type Record struct {
	UID   uint32
	Flags []imap.Flag
}

// Index is implemented by index backends.
type Index interface {
	// Header returns the last committed header. A new index returns the zero
	// Header.
	Header(ctx context.Context) (Header, error)

	// Begin takes the index lock and starts a transaction. The lock is held
	// until the transaction is committed or rolled back.
	Begin(ctx context.Context) (Txn, error)

	Close() error
}

// Txn buffers changes to the index until Commit.
type Txn interface {
	// Header returns the header as of the start of the transaction.
	Header() Header

	// Records returns all committed records ordered by UID.
	Records(ctx context.Context) ([]Record, error)

	RecordInsert(rec Record)
	RecordExpunge(uid uint32)
	RecordFlagChange(uid uint32, flags []imap.Flag)
	SetHeader(h Header)

	// Commit applies all buffered changes atomically and releases the
	// index lock.
	Commit(ctx context.Context) error

	// Rollback discards buffered changes and releases the index lock. It is
	// a no-op after Commit.
	Rollback()
}
