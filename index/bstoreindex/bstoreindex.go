// Package bstoreindex stores the mailbox index in a bstore database (bbolt
// underneath), one file per mailbox.
package bstoreindex

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/mjl-/bstore"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
)

func init() {
	index.Register("bstore", func(path string) (index.Index, error) {
		return Open(context.Background(), path)
	})
}

// SyncHeader is the single header row, always with ID 1.
type SyncHeader struct {
	ID           int64
	UIDValidity  uint32
	NextUID      uint32
	CurMtime     int64
	CurMtimeNsec int32
	CurCheckTime int64
}

// Message is the record of one UID.
type Message struct {
	UID   uint32
	Flags []string
}

// DBTypes are the types stored in the database.
var DBTypes = []any{SyncHeader{}, Message{}}

// Index is an index.Index backed by a bstore database.
type Index struct {
	db   *bstore.DB
	lock index.Lock
}

var _ index.Index = (*Index)(nil)

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0600}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	return &Index{db: db, lock: index.NewLock()}, nil
}

func readHeader(tx *bstore.Tx) (index.Header, error) {
	sh := SyncHeader{ID: 1}
	err := tx.Get(&sh)
	if err == bstore.ErrAbsent {
		return index.Header{}, nil
	} else if err != nil {
		return index.Header{}, err
	}
	return index.Header{
		UIDValidity:  sh.UIDValidity,
		NextUID:      sh.NextUID,
		CurMtime:     sh.CurMtime,
		CurMtimeNsec: sh.CurMtimeNsec,
		CurCheckTime: sh.CurCheckTime,
	}, nil
}

func (x *Index) Header(ctx context.Context) (h index.Header, err error) {
	err = x.db.Read(ctx, func(tx *bstore.Tx) error {
		h, err = readHeader(tx)
		return err
	})
	return h, err
}

func (x *Index) Begin(ctx context.Context) (index.Txn, error) {
	if err := x.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	h, err := x.Header(ctx)
	if err != nil {
		x.lock.Release()
		return nil, err
	}
	return &txn{x: x, header: h}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

func toFlags(l []string) []imap.Flag {
	var flags []imap.Flag
	for _, s := range l {
		flags = append(flags, imap.Flag(s))
	}
	return flags
}

func fromFlags(flags []imap.Flag) []string {
	var l []string
	for _, f := range flags {
		l = append(l, string(f))
	}
	return l
}

type txn struct {
	index.Buffer
	x      *Index
	header index.Header
	done   bool
}

func (t *txn) Header() index.Header {
	return t.header
}

func (t *txn) Records(ctx context.Context) ([]index.Record, error) {
	if t.done {
		return nil, errors.ErrTransactionDone
	}
	var recs []index.Record
	err := t.x.db.Read(ctx, func(tx *bstore.Tx) error {
		return bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			recs = append(recs, index.Record{UID: m.UID, Flags: toFlags(m.Flags)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UID < recs[j].UID })
	return recs, nil
}

// put inserts m or replaces the existing record with the same UID.
func put(tx *bstore.Tx, m Message) error {
	existing := Message{UID: m.UID}
	err := tx.Get(&existing)
	if err == bstore.ErrAbsent {
		return tx.Insert(&m)
	} else if err != nil {
		return err
	}
	return tx.Update(&m)
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return errors.ErrTransactionDone
	}
	t.done = true
	defer t.x.lock.Release()

	return t.x.db.Write(ctx, func(tx *bstore.Tx) error {
		for _, op := range t.Ops {
			switch op.Kind {
			case index.OpInsert, index.OpFlagChange:
				if err := put(tx, Message{UID: op.Record.UID, Flags: fromFlags(op.Record.Flags)}); err != nil {
					return fmt.Errorf("store uid %d: %w", op.Record.UID, err)
				}
			case index.OpExpunge:
				err := tx.Delete(&Message{UID: op.Record.UID})
				if err != nil && err != bstore.ErrAbsent {
					return fmt.Errorf("expunge uid %d: %w", op.Record.UID, err)
				}
			}
		}
		if !t.HeaderSet {
			return nil
		}
		h := t.NewHeader
		sh := SyncHeader{
			ID:           1,
			UIDValidity:  h.UIDValidity,
			NextUID:      h.NextUID,
			CurMtime:     h.CurMtime,
			CurMtimeNsec: h.CurMtimeNsec,
			CurCheckTime: h.CurCheckTime,
		}
		existing := SyncHeader{ID: 1}
		err := tx.Get(&existing)
		if err == bstore.ErrAbsent {
			return tx.Insert(&sh)
		} else if err != nil {
			return err
		}
		return tx.Update(&sh)
	})
}

func (t *txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.x.lock.Release()
}
