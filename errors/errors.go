// Package errors provides centralized error definitions for maildirsync.
package errors

import (
	"errors"
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

// Mailbox errors.
var (
	// ErrMailboxNotFound indicates the requested mailbox does not exist.
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMailboxLocked indicates the mailbox is locked by another operation.
	ErrMailboxLocked = errors.New("mailbox locked")

	// ErrPathTraversal indicates a mailbox name resolved outside the base path.
	ErrPathTraversal = errors.New("path escapes base directory")
)

// Message errors.
var (
	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageDeleted indicates the message has been marked for deletion.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrInvalidFilename indicates a directory entry that cannot be a message.
	ErrInvalidFilename = errors.New("invalid maildir filename")
)

// Delivery errors.
var (
	// ErrNoRecipients indicates no valid recipients were provided.
	ErrNoRecipients = errors.New("no recipients")

	// ErrQuotaExceeded indicates the mailbox quota has been exceeded.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Lock errors.
var (
	// ErrLockTimeout indicates the uidlist lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrLockLost indicates our lock file was replaced by another process.
	ErrLockLost = errors.New("lock lost")
)

// UID list and transaction errors.
var (
	// ErrUIDListCorrupt indicates the uidlist file could not be parsed.
	ErrUIDListCorrupt = errors.New("uidlist corrupt")

	// ErrTransactionDone indicates a sync transaction was already finalized.
	ErrTransactionDone = errors.New("transaction already finished")

	// ErrResourceExhausted indicates changes are valid in memory but could
	// not be made durable (ENOSPC, EDQUOT).
	ErrResourceExhausted = errors.New("resource exhausted, changes not persisted")
)

// Store errors.
var (
	// ErrStoreNotRegistered indicates the requested store type is not registered.
	ErrStoreNotRegistered = errors.New("store type not registered")

	// ErrStoreConfigInvalid indicates the store configuration is invalid.
	ErrStoreConfigInvalid = errors.New("invalid store configuration")

	// ErrIndexNotRegistered indicates the requested index type is not registered.
	ErrIndexNotRegistered = errors.New("index type not registered")
)

// OpError records a failed filesystem operation together with the path it
// operated on.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Op wraps err in an OpError, unless err is nil.
func Op(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Path: path, Err: err}
}

// IsNotExist reports whether err is caused by a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOENT)
}

// IsPermission reports whether err is caused by EACCES/EPERM.
func IsPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM)
}

// IsResourceExhausted reports whether err is an out of space or quota condition.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}

// IsTransient reports whether err is worth retrying later: lock contention,
// a directory that disappeared for a moment, or exhausted space.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrMailboxLocked) || IsNotExist(err) || IsResourceExhausted(err)
}
