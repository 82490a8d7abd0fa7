// Package memindex is an in-process index backend. Its contents live only as
// long as the Index value; it is used by tests and by the CLI's "memory"
// index type.
package memindex

import (
	"context"
	"slices"
	"sync"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
)

func init() {
	index.Register("memory", func(path string) (index.Index, error) {
		return New(), nil
	})
}

// Index holds records in a map guarded by mu. lock is the index lock that
// serializes transactions.
type Index struct {
	lock index.Lock

	mu      sync.Mutex
	header  index.Header
	records map[uint32][]imap.Flag

	// Commits counts successful commits.
	Commits int
}

var _ index.Index = (*Index)(nil)

func New() *Index {
	return &Index{
		lock:    index.NewLock(),
		records: make(map[uint32][]imap.Flag),
	}
}

func (x *Index) Header(ctx context.Context) (index.Header, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.header, nil
}

func (x *Index) Begin(ctx context.Context) (index.Txn, error) {
	if err := x.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	x.mu.Lock()
	h := x.header
	x.mu.Unlock()
	return &txn{x: x, header: h}, nil
}

func (x *Index) Close() error {
	return nil
}

// Records returns a copy of the committed records ordered by UID.
func (x *Index) Records() []index.Record {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sorted()
}

func (x *Index) sorted() []index.Record {
	recs := make([]index.Record, 0, len(x.records))
	for uid, flags := range x.records {
		recs = append(recs, index.Record{UID: uid, Flags: slices.Clone(flags)})
	}
	slices.SortFunc(recs, func(a, b index.Record) int {
		return int(int64(a.UID) - int64(b.UID))
	})
	return recs
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
	t.x.mu.Lock()
	defer t.x.mu.Unlock()
	return t.x.sorted(), nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return errors.ErrTransactionDone
	}
	t.done = true
	defer t.x.lock.Release()

	t.x.mu.Lock()
	defer t.x.mu.Unlock()
	for _, op := range t.Ops {
		switch op.Kind {
		case index.OpInsert, index.OpFlagChange:
			t.x.records[op.Record.UID] = slices.Clone(op.Record.Flags)
		case index.OpExpunge:
			delete(t.x.records, op.Record.UID)
		}
	}
	if t.HeaderSet {
		t.x.header = t.NewHeader
	}
	t.x.Commits++
	return nil
}

func (t *txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.x.lock.Release()
}
