// Package maildir keeps a Maildir's UID list and an external index in step
// with the files in its cur/ directory.
//
// Several processes may deliver, rename and expunge messages in the same
// maildir at once. Each of them opens its own Mailbox handle:
//
//	mbox, err := maildir.Open("/var/mail/example.com/alice/Maildir", maildir.Options{})
//	res, err := mbox.Sync(ctx, maildir.SyncFlags{})
//
// A sync first compares the cached directory mtime with a fresh stat and
// skips the scan when nothing can have changed. Otherwise it takes the
// uidlist dotlock, reads cur/ into a sync transaction, resolves duplicate
// names, assigns UIDs to new files and commits the uidlist (atomically,
// through a temp file and rename) before the index. A directory that keeps
// changing while it is read is scanned again in a forced pass. When the
// lock cannot be taken the sync still runs in a degraded mode that assigns
// no UIDs and deletes nothing.
//
// The uidlist file uses the dovecot-uidlist version 3 format:
//
//	3 V1700000000 N3
//	1 :1700000000.M1P2Q1.host,S=120,W=123:2,S
//	2 :1700000100.M2P2Q1.host,S=80,W=82:2,
//
// The package registers itself with the maildirsync registry under the name
// "maildir". Import it with a blank identifier to enable maildir support:
//
//	import _ "github.com/infodancer/maildirsync/maildir"
package maildir
