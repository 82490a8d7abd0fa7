package maildir

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/emersion/go-imap/v2"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
)

// virtualSize is the size of data with every bare LF counted as CRLF.
func virtualSize(data []byte) int64 {
	n := int64(len(data))
	for i, c := range data {
		if c == '\n' && (i == 0 || data[i-1] != '\r') {
			n++
		}
	}
	return n
}

// Save delivers a message into cur/ and assigns it the next UID. The file
// is written to tmp/ first and renamed into place. If the uidlist lock
// cannot be taken the file stays in cur/ with uid 0 and the next full sync
// gives it a UID.
func (m *Mailbox) Save(ctx context.Context, r io.Reader, flags []imap.Flag) (uid uint32, filename string, rerr error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, "", fmt.Errorf("reading message: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	name := Filename{
		Base: generateBase(now),
		Fields: []string{
			fmt.Sprintf("S=%d", len(data)),
			fmt.Sprintf("W=%d", virtualSize(data)),
		},
	}.WithFlags(flagsFromIMAP(flags))
	filename = name.String()

	tmpDir := filepath.Join(m.path, "tmp")
	tmpPath, err := m.fs.WriteTemp(tmpDir, name.Base+".", data)
	if err != nil {
		if errors.IsResourceExhausted(err) {
			return 0, "", fmt.Errorf("%w: %w", errors.ErrQuotaExceeded, err)
		}
		return 0, "", errors.Op("write", tmpDir, err)
	}
	dst := filepath.Join(m.curDir, filename)
	if err := m.fs.Rename(tmpPath, dst); err != nil {
		if rerr := m.fs.Remove(tmpPath); rerr != nil && !errors.IsNotExist(rerr) {
			m.logger.Debug("removing temp file failed",
				slog.String("path", tmpPath),
				slog.String("error", rerr.Error()))
		}
		if errors.IsResourceExhausted(err) {
			return 0, "", fmt.Errorf("%w: %w", errors.ErrQuotaExceeded, err)
		}
		return 0, "", errors.Op("rename", dst, err)
	}
	if err := m.fs.SyncDir(m.curDir); err != nil {
		m.logger.Debug("syncing cur directory failed",
			slog.String("path", m.curDir),
			slog.String("error", err.Error()))
	}

	txn, err := m.uidlist.BeginSync(ctx, TxnFlags{Partial: true})
	if err != nil && stderrors.Is(err, errors.ErrUIDListCorrupt) {
		// Only a full scan can rebuild the list; it will number this file.
		m.logger.Warn("saved message without uid, uidlist corrupt",
			slog.String("filename", filename),
			slog.String("error", err.Error()))
		return 0, filename, nil
	}
	if err != nil {
		if !isLockFailure(err) {
			return 0, filename, err
		}
		lockFailures.Inc()
		m.logger.Warn("saved message without uid, uidlist locked",
			slog.String("filename", filename),
			slog.String("error", err.Error()))
		return 0, filename, nil
	}
	defer m.uidlist.Unlock()

	itx, err := m.idx.Begin(ctx)
	if err != nil {
		txn.Rollback()
		return 0, filename, fmt.Errorf("beginning index transaction: %w", err)
	}
	ih := itx.Header()
	if ih.UIDValidity != 0 {
		txn.EnsureNextUID(ih.NextUID, ih.UIDValidity)
	}
	txn.SetValidity(uint32(now.Unix()))
	uid, err = txn.AddSaved(filename)
	if err != nil {
		itx.Rollback()
		txn.Rollback()
		return 0, filename, err
	}
	itx.RecordInsert(index.Record{UID: uid, Flags: flagsToIMAP(name.Flags())})
	ih.UIDValidity = txn.Validity()
	ih.NextUID = txn.NextUID()
	itx.SetHeader(ih)
	if _, err := m.commit(ctx, txn, itx, func() {
		m.header = ih
		m.headerLoaded = true
	}); err != nil {
		// The file stays in cur/; the next full sync gives it a UID.
		return 0, filename, err
	}
	return uid, filename, nil
}
