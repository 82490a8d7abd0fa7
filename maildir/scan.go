package maildir

import (
	"context"
	"io"
	"log/slog"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

// readdirBatch is the number of names read from the directory at once.
const readdirBatch = 256

// ScanOutcome describes a completed scan.
type ScanOutcome struct {
	// Header is the directory mtime from the fstat taken when the final
	// pass opened the directory; CheckTime is when that pass started.
	Header    Snapshot
	CheckTime int64

	Entries         int
	DuplicatesFixed int
	Rescans         int

	// Settled: the directory mtime did not change while it was read.
	Settled bool
	// TookTooLong: reading stopped early at an entry boundary.
	TookTooLong bool
	// Racing: the directory kept changing through every rescan.
	Racing bool
}

// Scanner reads cur/ and feeds every entry to a sync transaction.
type Scanner struct {
	FS       mailfs.FS
	Clock    mailfs.Clock
	Logger   *slog.Logger
	Resolver *DuplicateResolver
	Opts     Options

	// Touch keeps the uidlist lock fresh during slow scans.
	Touch func()
}

// Scan reads dir into txn. When the directory changes during the read the
// transaction is restarted and the directory read again, up to
// ScanRescanMax times.
func (s *Scanner) Scan(ctx context.Context, dir string, txn *SyncTxn, why Reason) (ScanOutcome, error) {
	begin := s.Clock.Now()
	var out ScanOutcome
	for pass := 0; ; pass++ {
		var err error
		rescans := out.Rescans
		out, err = s.scanOnce(ctx, dir, txn)
		out.Rescans = rescans
		if err != nil {
			return out, err
		}
		if out.TookTooLong {
			break
		}

		fi, err := s.FS.Stat(dir)
		if err != nil {
			return out, errors.Op("stat", dir, err)
		}
		if snapshotOf(fi, out.Header.Now).Equal(out.Header) {
			out.Settled = true
			break
		}
		if pass >= s.Opts.ScanRescanMax {
			out.Racing = true
			break
		}
		s.Logger.Debug("directory changed during scan, rescanning",
			slog.String("path", dir),
			slog.Int("pass", pass+1))
		txn.Restart()
		out.Rescans++
	}

	elapsed := s.Clock.Now().Sub(begin)
	scanDuration.Observe(elapsed.Seconds())
	if elapsed >= s.Opts.ScanWarnThreshold {
		s.Logger.Warn("scanning directory was slow",
			slog.String("path", dir),
			slog.Duration("elapsed", elapsed),
			slog.Int("readdirs", out.Entries),
			slog.Int("duplicates", out.DuplicatesFixed),
			slog.Int("rescans", out.Rescans),
			slog.String("why", why.String()))
	}
	return out, nil
}

func (s *Scanner) openDir(dir string) (mailfs.Dir, error) {
	for i := 0; ; i++ {
		d, err := s.FS.ReadDir(dir)
		if err == nil {
			return d, nil
		}
		if !errors.IsNotExist(err) || i >= s.Opts.DeleteRetryCount || s.Opts.RecreateDir == nil {
			return nil, errors.Op("opendir", dir, err)
		}
		if rerr := s.Opts.RecreateDir(dir); rerr != nil {
			return nil, errors.Op("recreate", dir, rerr)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context, dir string, txn *SyncTxn) (ScanOutcome, error) {
	var out ScanOutcome
	d, err := s.openDir(dir)
	if err != nil {
		return out, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			s.Logger.Debug("closing directory failed",
				slog.String("path", dir),
				slog.String("error", err.Error()))
		}
	}()

	fi, err := d.Stat()
	if err != nil {
		return out, errors.Op("fstat", dir, err)
	}
	start := s.Clock.Now()
	out.Header = snapshotOf(fi, start)
	out.CheckTime = start.Unix()
	lastNotify := start

	for {
		names, err := d.Next(readdirBatch)
		for _, name := range names {
			if name == "" || name[0] == '.' || name[0] == ':' {
				continue
			}

			now := s.Clock.Now()
			if ctx.Err() != nil || (s.Opts.ScanTimeLimit > 0 && now.Sub(start) > s.Opts.ScanTimeLimit) {
				out.TookTooLong = true
				return out, nil
			}

			out.Entries++
			if out.Entries%s.Opts.SlowCheckCount == 0 {
				if s.Touch != nil {
					s.Touch()
				}
				if s.Opts.OnProgress != nil && now.Sub(lastNotify) >= s.Opts.ProgressInterval {
					s.Opts.OnProgress(Progress{Mailbox: dir, Entries: out.Entries, Elapsed: now.Sub(start)})
					lastNotify = now
				}
			}

			res, err := txn.Next(name)
			if err != nil {
				return out, err
			}
			if res != SyncDuplicate {
				continue
			}
			known, _ := txn.KnownFilename(name)
			r, err := s.Resolver.Resolve(dir, known, name)
			if err != nil {
				return out, err
			}
			switch r.Action {
			case Merged:
				out.DuplicatesFixed++
			case Renamed:
				out.DuplicatesFixed++
				if _, err := txn.Next(r.NewName); err != nil {
					return out, err
				}
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Op("readdir", dir, err)
		}
	}
}
