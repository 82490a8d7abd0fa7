// Package maildirsync keeps the UID view of Maildir mailboxes consistent
// with what is on disk. The root package holds the interfaces mail servers
// program against and the store registry; the reconciliation engine lives
// in the maildir package, which registers itself as the "maildir" store.
package maildirsync

// MsgStore combines delivery and storage operations.
// It embeds both DeliveryAgent (for smtpd message delivery) and
// MessageStore (for pop3d/imapd message retrieval).
type MsgStore interface {
	DeliveryAgent
	MessageStore
}
