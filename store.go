package maildirsync

import (
	"context"
	"io"

	"github.com/emersion/go-imap/v2"
)

// MessageStore provides read access to stored messages.
// Used by pop3d and imapd for message retrieval.
type MessageStore interface {
	// List synchronizes the mailbox and returns its messages ordered by UID.
	List(ctx context.Context, mailbox string) ([]MessageInfo, error)

	// Retrieve returns the full message content.
	// The caller is responsible for closing the returned ReadCloser.
	Retrieve(ctx context.Context, mailbox string, uid uint32) (io.ReadCloser, error)

	// Delete marks a message for deletion.
	// The message is not permanently removed until Expunge is called.
	Delete(ctx context.Context, mailbox string, uid uint32) error

	// Expunge permanently removes all messages marked for deletion.
	Expunge(ctx context.Context, mailbox string) error

	// Stat returns mailbox statistics.
	// count is the number of messages, totalBytes is the sum of all message sizes.
	Stat(ctx context.Context, mailbox string) (count int, totalBytes int64, err error)
}

// MessageInfo contains metadata about a stored message.
type MessageInfo struct {
	// UID is stable for the lifetime of the mailbox's UID validity.
	UID uint32

	// Filename is the current name of the message file in cur/.
	Filename string

	// Size is the message size in bytes.
	Size int64

	// Flags contains message flags (e.g., \Seen, \Deleted, \Answered).
	Flags []imap.Flag
}
