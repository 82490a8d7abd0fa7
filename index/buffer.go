package index

import (
	"context"

	"github.com/emersion/go-imap/v2"
)

// OpKind identifies a buffered index change.
type OpKind int

const (
	OpInsert OpKind = iota
	OpExpunge
	OpFlagChange
)

// Op is one buffered change, applied in the order it was recorded.
type Op struct {
	Kind   OpKind
	Record Record
}

// Buffer collects the changes of a transaction. Backends embed it and apply
// Ops and the pending header at commit time.
type Buffer struct {
	Ops []Op

	// NewHeader is the header to store, if HeaderSet.
	NewHeader Header
	HeaderSet bool
}

func (b *Buffer) RecordInsert(rec Record) {
	b.Ops = append(b.Ops, Op{Kind: OpInsert, Record: rec})
}

func (b *Buffer) RecordExpunge(uid uint32) {
	b.Ops = append(b.Ops, Op{Kind: OpExpunge, Record: Record{UID: uid}})
}

func (b *Buffer) RecordFlagChange(uid uint32, flags []imap.Flag) {
	b.Ops = append(b.Ops, Op{Kind: OpFlagChange, Record: Record{UID: uid, Flags: flags}})
}

func (b *Buffer) SetHeader(h Header) {
	b.NewHeader = h
	b.HeaderSet = true
}

// Lock is a context-aware mutex used as the index lock.
type Lock chan struct{}

// NewLock returns an unlocked Lock.
func NewLock() Lock {
	return make(Lock, 1)
}

// Acquire blocks until the lock is free or ctx is done.
func (l Lock) Acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release unlocks l. It must be held.
func (l Lock) Release() {
	<-l
}
