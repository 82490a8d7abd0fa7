package maildir

import (
	"log/slog"
	"time"

	"github.com/infodancer/maildirsync/index"
	"github.com/infodancer/maildirsync/mailfs"
)

// Defaults for Options fields left zero.
const (
	DefaultSyncSecs          = time.Second
	DefaultLockTimeout       = 30 * time.Second
	DefaultLockStaleTimeout  = 2 * time.Minute
	DefaultLockTouchInterval = 10 * time.Second
	DefaultDupeLinkGrace     = 30 * time.Second
	DefaultScanWarnThreshold = 60 * time.Second
	DefaultProgressInterval  = 15 * time.Second
	DefaultSlowCheckCount    = 10000
	DefaultScanRescanMax     = 5
	DefaultRaceRetries       = 1
	DefaultDeleteRetryCount  = 3
)

// UIDListName is the name of the uidlist file in the mailbox root.
const UIDListName = "dovecot-uidlist"

// Progress describes a long running scan.
type Progress struct {
	Mailbox string
	Entries int
	Elapsed time.Duration
}

// Options configure a Mailbox. The zero value is usable: it works on the
// local filesystem with an in-memory index.
type Options struct {
	FS     mailfs.FS
	Clock  mailfs.Clock
	Logger *slog.Logger

	// Index is the external index kept in sync. Open uses an in-memory
	// index when nil.
	Index index.Index

	// SyncSecs bounds the clock skew between cooperating writers. A
	// directory whose last scan started within SyncSecs of its mtime is
	// considered dirty.
	SyncSecs time.Duration

	// LockTimeout bounds the wait for the uidlist lock. Negative means a
	// single try.
	LockTimeout       time.Duration
	LockStaleTimeout  time.Duration
	LockTouchInterval time.Duration

	// DupeLinkGrace is how long a hard linked duplicate must be unchanged
	// before the redundant link is removed.
	DupeLinkGrace time.Duration

	// ScanTimeLimit stops a scan early when exceeded. Zero means no limit.
	ScanTimeLimit     time.Duration
	ScanWarnThreshold time.Duration
	ProgressInterval  time.Duration
	SlowCheckCount    int
	ScanRescanMax     int
	// RaceRetries is the number of forced passes after a racing scan.
	// Negative disables them.
	RaceRetries      int
	DeleteRetryCount int

	// VeryDirtySyncs trusts the directory mtime even inside the drift
	// window.
	VeryDirtySyncs bool

	// RecreateDir is called when the mailbox directory is missing during a
	// stat. Returning nil retries the stat.
	RecreateDir func(path string) error

	// OnProgress is called periodically during slow scans.
	OnProgress func(Progress)

	// PID and Hostname identify this process in lock files. They default to
	// os.Getpid() and the system hostname.
	PID      int
	Hostname string
}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = mailfs.OS{}
	}
	if o.Clock == nil {
		o.Clock = mailfs.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SyncSecs <= 0 {
		o.SyncSecs = DefaultSyncSecs
	}
	if o.LockTimeout < 0 {
		o.LockTimeout = 0
	} else if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.LockStaleTimeout <= 0 {
		o.LockStaleTimeout = DefaultLockStaleTimeout
	}
	if o.LockTouchInterval <= 0 {
		o.LockTouchInterval = DefaultLockTouchInterval
	}
	if o.DupeLinkGrace <= 0 {
		o.DupeLinkGrace = DefaultDupeLinkGrace
	}
	if o.ScanWarnThreshold <= 0 {
		o.ScanWarnThreshold = DefaultScanWarnThreshold
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.SlowCheckCount <= 0 {
		o.SlowCheckCount = DefaultSlowCheckCount
	}
	if o.ScanRescanMax <= 0 {
		o.ScanRescanMax = DefaultScanRescanMax
	}
	if o.RaceRetries < 0 {
		o.RaceRetries = 0
	} else if o.RaceRetries == 0 {
		o.RaceRetries = DefaultRaceRetries
	}
	if o.DeleteRetryCount <= 0 {
		o.DeleteRetryCount = DefaultDeleteRetryCount
	}
	if o.PID == 0 {
		o.PID = pid()
	}
	if o.Hostname == "" {
		o.Hostname = cachedHostname
	}
	return o
}

// syncSecs is SyncSecs rounded up to whole seconds, the resolution of the
// header check times.
func (o Options) syncSecs() int64 {
	return int64((o.SyncSecs + time.Second - 1) / time.Second)
}
