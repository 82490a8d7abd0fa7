package maildir

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

func pid() int {
	return os.Getpid()
}

// processAlive reports whether pid exists on this host.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Locker creates dotlock files. The lock is advisory: it only excludes
// other processes that use the same lock file.
type Locker struct {
	FS     mailfs.FS
	Clock  mailfs.Clock
	Logger *slog.Logger

	// Path is the lock file, normally the uidlist path plus ".lock".
	Path string

	// Stale is the age after which an untouched lock is taken over.
	Stale time.Duration

	PID      int
	Hostname string

	// Alive reports whether a process on this host is running. Defaults to
	// sending it signal 0.
	Alive func(pid int) bool
}

// Lock is a held lock file.
type Lock struct {
	l         *Locker
	dev, ino  uint64
	lastTouch time.Time
	released  bool
}

func (l *Locker) content() []byte {
	return []byte(fmt.Sprintf("%d\n%s\n%d\n", l.PID, l.Hostname, l.Clock.Now().Unix()))
}

// Acquire creates the lock file. A zero timeout makes a single attempt.
// ErrLockTimeout is returned when the lock stays held by someone else.
func (l *Locker) Acquire(ctx context.Context, timeout time.Duration) (*Lock, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	backoff := 5 * time.Millisecond

	for {
		err := l.FS.CreateExclusive(l.Path, l.content())
		if err == nil {
			fi, err := l.FS.Stat(l.Path)
			if err != nil {
				return nil, errors.Op("stat", l.Path, err)
			}
			return &Lock{l: l, dev: fi.Dev, ino: fi.Ino, lastTouch: l.Clock.Now()}, nil
		}
		if !stderrors.Is(err, fs.ErrExist) {
			return nil, errors.Op("create", l.Path, err)
		}

		if l.breakStale() {
			continue
		}
		if timer == nil {
			return nil, errors.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", errors.ErrLockTimeout, ctx.Err())
		case <-timer:
			return nil, errors.ErrLockTimeout
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 250*time.Millisecond {
			backoff = 250 * time.Millisecond
		}
	}
}

// breakStale removes the current lock file if it is stale. It reports
// whether a lock was removed.
func (l *Locker) breakStale() bool {
	fi, err := l.FS.Stat(l.Path)
	if err != nil {
		// Gone already: retry the create.
		return errors.IsNotExist(err)
	}

	reason := ""
	if age := l.Clock.Now().Sub(fi.Mtime); age > l.Stale {
		reason = "not touched in " + age.Truncate(time.Second).String()
	} else if data, err := l.FS.ReadFile(l.Path); err == nil {
		holder, host, ok := parseLockContent(data)
		alive := l.Alive
		if alive == nil {
			alive = processAlive
		}
		if ok && host == l.Hostname && holder != l.PID && !alive(holder) {
			reason = "holder pid " + strconv.Itoa(holder) + " is gone"
		}
	}
	if reason == "" {
		return false
	}

	// Only remove the file we judged; a new holder may have replaced it.
	cur, err := l.FS.Stat(l.Path)
	if err != nil || !cur.SameFile(fi) {
		return err != nil && errors.IsNotExist(err)
	}
	if err := l.FS.Remove(l.Path); err != nil && !errors.IsNotExist(err) {
		l.Logger.Warn("removing stale lock failed",
			slog.String("path", l.Path),
			slog.String("error", err.Error()))
		return false
	}
	l.Logger.Warn("replaced stale lock",
		slog.String("path", l.Path),
		slog.String("reason", reason))
	lockStaleTakeovers.Inc()
	return true
}

func parseLockContent(data []byte) (pid int, host string, ok bool) {
	lines := strings.Split(string(data), "\n")
	if len(lines) < 2 {
		return 0, "", false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, "", false
	}
	return pid, strings.TrimSpace(lines[1]), true
}

// owned reports whether the lock file is still the one we created.
func (lk *Lock) owned() bool {
	fi, err := lk.l.FS.Stat(lk.l.Path)
	return err == nil && fi.Dev == lk.dev && fi.Ino == lk.ino
}

// Touch refreshes the lock file mtime so it is not considered stale.
func (lk *Lock) Touch() error {
	if lk.released {
		return errors.ErrLockLost
	}
	if !lk.owned() {
		return errors.ErrLockLost
	}
	now := lk.l.Clock.Now()
	if err := lk.l.FS.Chtimes(lk.l.Path, now, now); err != nil {
		return errors.Op("utime", lk.l.Path, err)
	}
	lk.lastTouch = now
	return nil
}

// TouchIfDue touches the lock when interval has passed since the last
// touch.
func (lk *Lock) TouchIfDue(interval time.Duration) {
	if lk == nil || lk.l.Clock.Now().Sub(lk.lastTouch) < interval {
		return
	}
	if err := lk.Touch(); err != nil {
		lk.l.Logger.Warn("touching lock failed",
			slog.String("path", lk.l.Path),
			slog.String("error", err.Error()))
	}
}

// Release removes the lock file if it is still ours. A lock that was taken
// over is logged and left alone.
func (lk *Lock) Release() {
	if lk == nil || lk.released {
		return
	}
	lk.released = true
	if !lk.owned() {
		lk.l.Logger.Warn("lock replaced while held",
			slog.String("path", lk.l.Path),
			slog.String("error", errors.ErrLockLost.Error()))
		return
	}
	if err := lk.l.FS.Remove(lk.l.Path); err != nil && !errors.IsNotExist(err) {
		lk.l.Logger.Warn("removing lock failed",
			slog.String("path", lk.l.Path),
			slog.String("error", err.Error()))
	}
}
