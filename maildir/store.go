package maildir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emersion/go-maildir"

	"github.com/infodancer/maildirsync"
	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
	"github.com/infodancer/maildirsync/mailfs"
)

// IndexFile is the name of the per-mailbox index file for durable index
// types.
const IndexFile = "maildirsync.index"

// MaildirStore implements maildirsync.MsgStore on top of Mailbox handles,
// one per mailbox directory.
type MaildirStore struct {
	basePath      string
	maildirSubdir string // optional subdirectory under each mailbox (e.g., "Maildir")
	pathTemplate  string // optional path template for domain-aware storage
	indexType     string
	indexFile     string
	opts          Options

	mu        sync.Mutex
	mailboxes map[string]*Mailbox // by maildir path

	// deleted tracks messages marked for deletion per mailbox.
	deletedMu sync.Mutex
	deleted   map[string]map[uint32]bool // mailbox -> uid -> deleted
}

// NewStore creates a new MaildirStore with the given base path.
// The optional maildirSubdir specifies a subdirectory under each mailbox
// (e.g., "Maildir" for paths like users/testuser/Maildir/).
// The optional pathTemplate transforms mailbox names using variables:
// {domain}, {localpart}, {email} (e.g., "{domain}/users/{localpart}").
// indexType names a registered index backend; empty means "memory".
func NewStore(basePath, maildirSubdir, pathTemplate, indexType string, opts Options) *MaildirStore {
	if indexType == "" {
		indexType = "memory"
	}
	return &MaildirStore{
		basePath:      basePath,
		maildirSubdir: maildirSubdir,
		pathTemplate:  pathTemplate,
		indexType:     indexType,
		indexFile:     IndexFile,
		opts:          opts,
		mailboxes:     make(map[string]*Mailbox),
		deleted:       make(map[string]map[uint32]bool),
	}
}

// WithIndexFile sets the name of the index database inside each maildir.
// It must be called before the first mailbox is opened.
func (s *MaildirStore) WithIndexFile(name string) *MaildirStore {
	if name != "" {
		s.indexFile = name
	}
	return s
}

// splitEmail splits an email address into localpart and domain.
// If the email doesn't contain @, localpart is the entire input and domain is empty.
func splitEmail(email string) (localpart, domain string) {
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[:idx], email[idx+1:]
	}
	return email, ""
}

// expandMailbox applies the path template to transform a mailbox name.
// Template variables: {domain}, {localpart}, {email}
func (s *MaildirStore) expandMailbox(mailbox string) string {
	if s.pathTemplate == "" {
		return mailbox
	}
	localpart, domain := splitEmail(mailbox)
	r := strings.NewReplacer("{domain}", domain, "{localpart}", localpart, "{email}", mailbox)
	return r.Replace(s.pathTemplate)
}

// MailboxPath returns the maildir directory of a mailbox name.
func (s *MaildirStore) MailboxPath(mailbox string) (string, error) {
	return s.mailboxPath(mailbox)
}

// OpenMailbox returns the engine handle of an existing mailbox. The handle
// belongs to the store and is closed by Close.
func (s *MaildirStore) OpenMailbox(mailbox string) (*Mailbox, error) {
	return s.mailbox(mailbox, false)
}

// mailboxPath returns the filesystem path for a mailbox.
// Returns an error if the resulting path would escape the base directory.
func (s *MaildirStore) mailboxPath(mailbox string) (string, error) {
	candidate := filepath.Join(s.basePath, s.expandMailbox(mailbox))
	if s.maildirSubdir != "" {
		candidate = filepath.Join(candidate, s.maildirSubdir)
	}

	cleanBase := filepath.Clean(s.basePath)
	cleanCandidate := filepath.Clean(candidate)

	// Add separator to prevent prefix matching (e.g., /base-other matching /base)
	if !strings.HasPrefix(cleanCandidate+string(filepath.Separator), cleanBase+string(filepath.Separator)) {
		return "", errors.ErrPathTraversal
	}
	return cleanCandidate, nil
}

// mailbox returns the cached handle of a mailbox, opening it on first use.
// With create set a missing maildir is created, otherwise it is
// ErrMailboxNotFound.
func (s *MaildirStore) mailbox(mailbox string, create bool) (*Mailbox, error) {
	path, err := s.mailboxPath(mailbox)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.mailboxes[path]; m != nil {
		if !m.Layout().Exists() {
			if !create {
				return nil, errors.ErrMailboxNotFound
			}
			if err := m.Create(); err != nil {
				return nil, err
			}
		}
		return m, nil
	}

	layout := NewLayout(path, s.opts.FS)
	if !layout.Exists() {
		if !create {
			return nil, errors.ErrMailboxNotFound
		}
		if err := layout.Create(); err != nil {
			return nil, err
		}
	}

	opts := s.opts
	if opts.RecreateDir == nil {
		opts.RecreateDir = layout.Recreate()
	}
	var idx index.Index
	if s.indexType != "memory" {
		idx, err = index.Open(s.indexType, filepath.Join(path, s.indexFile))
		if err != nil {
			return nil, fmt.Errorf("opening %s index: %w", s.indexType, err)
		}
		opts.Index = idx
	}
	m, err := Open(path, opts)
	if err != nil {
		if idx != nil {
			_ = idx.Close()
		}
		return nil, err
	}
	if idx != nil {
		m.ownsIndex = true
	}
	s.mailboxes[path] = m
	return m, nil
}

// Close releases every open mailbox handle.
func (s *MaildirStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for path, m := range s.mailboxes {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.mailboxes, path)
	}
	return firstErr
}

// Deliver implements maildirsync.DeliveryAgent.
func (s *MaildirStore) Deliver(ctx context.Context, envelope maildirsync.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	// Read message into memory for multi-recipient delivery
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	var lastErr error
	delivered := 0

	for _, recipient := range envelope.Recipients {
		// Strip subaddress extension so user+folder@example.com
		// delivers to the user@example.com mailbox.
		parsed := maildirsync.ParseRecipient(recipient)
		m, err := s.mailbox(parsed.Address, true)
		if err != nil {
			lastErr = err
			continue
		}
		uid, filename, err := m.Save(ctx, bytes.NewReader(data), nil)
		if err != nil {
			lastErr = err
			continue
		}
		slog.Debug("delivered message",
			slog.String("recipient", parsed.Address),
			slog.String("filename", filename),
			slog.Int("uid", int(uid)))
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// adoptNew moves messages delivered into new/ by other agents into cur/ so
// the sync sees them.
func (s *MaildirStore) adoptNew(m *Mailbox) {
	if _, ok := m.fs.(mailfs.OS); !ok {
		return
	}
	moved, err := maildir.Dir(m.Path()).Unseen()
	if err != nil {
		m.logger.Warn("moving new messages to cur failed", slog.String("error", err.Error()))
		return
	}
	if len(moved) > 0 {
		m.logger.Debug("moved new messages to cur", slog.Int("count", len(moved)))
	}
}

// List implements maildirsync.MessageStore.
func (s *MaildirStore) List(ctx context.Context, mailbox string) ([]maildirsync.MessageInfo, error) {
	m, err := s.mailbox(mailbox, false)
	if err != nil {
		return nil, err
	}
	s.adoptNew(m)

	if _, err := m.Sync(ctx, SyncFlags{}); err != nil {
		return nil, err
	}
	msgs, err := m.Messages(ctx)
	if err != nil {
		return nil, err
	}

	var infos []maildirsync.MessageInfo
	for _, msg := range msgs {
		if s.isDeleted(mailbox, msg.UID) {
			continue
		}
		infos = append(infos, maildirsync.MessageInfo{
			UID:      msg.UID,
			Filename: msg.Filename,
			Size:     msg.Size,
			Flags:    msg.Flags,
		})
	}
	return infos, nil
}

// Retrieve implements maildirsync.MessageStore.
func (s *MaildirStore) Retrieve(ctx context.Context, mailbox string, uid uint32) (io.ReadCloser, error) {
	if s.isDeleted(mailbox, uid) {
		return nil, errors.ErrMessageDeleted
	}
	m, err := s.mailbox(mailbox, false)
	if err != nil {
		return nil, err
	}
	rc, _, err := m.OpenMessage(ctx, uid)
	return rc, err
}

// Delete implements maildirsync.MessageStore.
func (s *MaildirStore) Delete(ctx context.Context, mailbox string, uid uint32) error {
	s.deletedMu.Lock()
	defer s.deletedMu.Unlock()

	if s.deleted[mailbox] == nil {
		s.deleted[mailbox] = make(map[uint32]bool)
	}
	s.deleted[mailbox][uid] = true
	return nil
}

// Expunge implements maildirsync.MessageStore.
func (s *MaildirStore) Expunge(ctx context.Context, mailbox string) error {
	s.deletedMu.Lock()
	deletedUIDs := s.deleted[mailbox]
	delete(s.deleted, mailbox)
	s.deletedMu.Unlock()

	if len(deletedUIDs) == 0 {
		return nil
	}
	m, err := s.mailbox(mailbox, false)
	if err != nil {
		return err
	}
	uids := make([]uint32, 0, len(deletedUIDs))
	for uid := range deletedUIDs {
		uids = append(uids, uid)
	}
	return m.Expunge(ctx, uids)
}

// Stat implements maildirsync.MessageStore.
func (s *MaildirStore) Stat(ctx context.Context, mailbox string) (count int, totalBytes int64, err error) {
	messages, err := s.List(ctx, mailbox)
	if err != nil {
		return 0, 0, err
	}

	for _, msg := range messages {
		count++
		totalBytes += msg.Size
	}
	return count, totalBytes, nil
}

func (s *MaildirStore) isDeleted(mailbox string, uid uint32) bool {
	s.deletedMu.Lock()
	defer s.deletedMu.Unlock()

	if s.deleted[mailbox] == nil {
		return false
	}
	return s.deleted[mailbox][uid]
}

// Compile-time interface verification.
var _ maildirsync.MsgStore = (*MaildirStore)(nil)
