// Package config holds the maildirsync configuration file definition.
//
// The file is in sconf format: "Key: value" lines, nesting by tab
// indentation, comments on their own lines. Run "maildirsync
// describe-config" for an annotated example generated from Config.
package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/mjl-/sconf"

	"github.com/infodancer/maildirsync"
	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"
	"github.com/infodancer/maildirsync/maildir"
)

// Defaults for fields the CLI uses beyond maildir.Options.
const (
	DefaultIndex         = "bstore"
	DefaultLogLevel      = "info"
	DefaultWatchDebounce = 250 * time.Millisecond
)

// Config is the parsed form of the configuration file.
type Config struct {
	BasePath      string `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory below which mailboxes are resolved."`
	MaildirSubdir string `sconf:"optional" sconf-doc:"Subdirectory holding the maildir inside each mailbox directory, e.g. Maildir."`
	PathTemplate  string `sconf:"optional" sconf-doc:"Template mapping a mailbox name to a directory below BasePath. Variables: {domain}, {localpart}, {email}. E.g. {domain}/users/{localpart}."`
	Index         string `sconf:"optional" sconf-doc:"Index backend kept in sync with each uidlist: bstore or memory. Default: bstore."`
	IndexFile     string `sconf:"optional" sconf-doc:"Name of the index database inside each maildir. Default: maildirsync.index."`

	SyncSecs          time.Duration `sconf:"optional" sconf-doc:"Clock skew allowed between processes writing the same maildir. A directory whose last scan started within this window of its mtime is rescanned. Default: 1s."`
	LockTimeout       time.Duration `sconf:"optional" sconf-doc:"How long to wait for the uidlist lock before syncing in degraded mode. Default: 30s."`
	LockStaleTimeout  time.Duration `sconf:"optional" sconf-doc:"Age after which an untouched lock file is taken over. Default: 2m."`
	LockTouchInterval time.Duration `sconf:"optional" sconf-doc:"How often a long scan refreshes its lock file. Must be below LockStaleTimeout. Default: 10s."`
	DupeLinkGrace     time.Duration `sconf:"optional" sconf-doc:"How long a hard linked duplicate must be unchanged before the redundant link is removed. Default: 30s."`
	ScanTimeLimit     time.Duration `sconf:"optional" sconf-doc:"Stop a directory scan after this long; the rest is picked up by the next sync. Default: no limit."`
	ScanWarnThreshold time.Duration `sconf:"optional" sconf-doc:"Scans taking longer are logged as warnings. Default: 1m."`
	ProgressInterval  time.Duration `sconf:"optional" sconf-doc:"Interval between progress reports of slow scans. Default: 15s."`
	SlowCheckCount    int           `sconf:"optional" sconf-doc:"Number of directory entries between lock touches and progress checks. Default: 10000."`
	ScanRescanMax     int           `sconf:"optional" sconf-doc:"How often a scan restarts when the directory changes while it is read. Default: 5."`
	RaceRetries       int           `sconf:"optional" sconf-doc:"Forced passes after a scan that kept racing with writers. Default: 1."`
	DeleteRetryCount  int           `sconf:"optional" sconf-doc:"Attempts to expunge a message whose file keeps being renamed. Default: 3."`
	VeryDirtySyncs    bool          `sconf:"optional" sconf-doc:"Trust directory mtimes even within SyncSecs of a change. Saves scans, may miss changes on filesystems with coarse timestamps."`

	LogLevel      string        `sconf:"optional" sconf-doc:"Log level: debug, info, warn or error. Default: info."`
	MetricsAddr   string        `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on, e.g. localhost:8010. Empty disables."`
	WatchDebounce time.Duration `sconf:"optional" sconf-doc:"Delay between a change in cur/ and the sync it triggers in watch mode. Default: 250ms."`
}

// Default returns a configuration with every default filled in. BasePath
// is the working directory.
func Default() Config {
	return Config{
		BasePath:          ".",
		Index:             DefaultIndex,
		IndexFile:         maildir.IndexFile,
		SyncSecs:          maildir.DefaultSyncSecs,
		LockTimeout:       maildir.DefaultLockTimeout,
		LockStaleTimeout:  maildir.DefaultLockStaleTimeout,
		LockTouchInterval: maildir.DefaultLockTouchInterval,
		DupeLinkGrace:     maildir.DefaultDupeLinkGrace,
		ScanWarnThreshold: maildir.DefaultScanWarnThreshold,
		ProgressInterval:  maildir.DefaultProgressInterval,
		SlowCheckCount:    maildir.DefaultSlowCheckCount,
		ScanRescanMax:     maildir.DefaultScanRescanMax,
		RaceRetries:       maildir.DefaultRaceRetries,
		DeleteRetryCount:  maildir.DefaultDeleteRetryCount,
		LogLevel:          DefaultLogLevel,
		WatchDebounce:     DefaultWatchDebounce,
	}
}

// Load parses the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

// Parse reads a configuration from r over the defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	if err := sconf.Parse(r, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreConfigInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the values that sconf cannot. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{errors.ErrStoreConfigInvalid}, args...)...))
	}

	if c.BasePath == "" {
		addf("BasePath is empty")
	}
	if !slices.Contains(index.RegisteredTypes(), c.Index) {
		addf("unknown Index %q, registered: %v", c.Index, index.RegisteredTypes())
	}
	if c.IndexFile == "" {
		addf("IndexFile is empty")
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"SyncSecs", c.SyncSecs},
		{"LockStaleTimeout", c.LockStaleTimeout},
		{"LockTouchInterval", c.LockTouchInterval},
		{"DupeLinkGrace", c.DupeLinkGrace},
		{"ScanWarnThreshold", c.ScanWarnThreshold},
		{"ProgressInterval", c.ProgressInterval},
		{"WatchDebounce", c.WatchDebounce},
	} {
		if d.v <= 0 {
			addf("%s must be positive, is %s", d.name, d.v)
		}
	}
	if c.LockTimeout < 0 {
		addf("LockTimeout must not be negative")
	}
	if c.ScanTimeLimit < 0 {
		addf("ScanTimeLimit must not be negative")
	}
	if c.LockTouchInterval >= c.LockStaleTimeout {
		addf("LockTouchInterval %s must be below LockStaleTimeout %s", c.LockTouchInterval, c.LockStaleTimeout)
	}
	if c.SlowCheckCount <= 0 {
		addf("SlowCheckCount must be positive")
	}
	if c.ScanRescanMax <= 0 {
		addf("ScanRescanMax must be positive")
	}
	if c.RaceRetries < 0 {
		addf("RaceRetries must not be negative")
	}
	if c.DeleteRetryCount <= 0 {
		addf("DeleteRetryCount must be positive")
	}
	if _, err := c.Level(); err != nil {
		addf("%v", err)
	}
	return stderrors.Join(errs...)
}

// Level returns LogLevel as a slog level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("bad LogLevel %q", c.LogLevel)
	}
	return l, nil
}

// MaildirOptions converts the engine settings into maildir.Options. The
// index is left for the caller.
func (c *Config) MaildirOptions(logger *slog.Logger) maildir.Options {
	lockTimeout := c.LockTimeout
	if lockTimeout == 0 {
		// A single attempt; zero means "default" in Options.
		lockTimeout = -1
	}
	raceRetries := c.RaceRetries
	if raceRetries == 0 {
		raceRetries = -1
	}
	return maildir.Options{
		Logger:            logger,
		SyncSecs:          c.SyncSecs,
		LockTimeout:       lockTimeout,
		LockStaleTimeout:  c.LockStaleTimeout,
		LockTouchInterval: c.LockTouchInterval,
		DupeLinkGrace:     c.DupeLinkGrace,
		ScanTimeLimit:     c.ScanTimeLimit,
		ScanWarnThreshold: c.ScanWarnThreshold,
		ProgressInterval:  c.ProgressInterval,
		SlowCheckCount:    c.SlowCheckCount,
		ScanRescanMax:     c.ScanRescanMax,
		RaceRetries:       raceRetries,
		DeleteRetryCount:  c.DeleteRetryCount,
		VeryDirtySyncs:    c.VeryDirtySyncs,
	}
}

// StoreConfig returns the registry configuration of a "maildir" store for
// this file. Only the settings the registry understands are carried.
func (c *Config) StoreConfig() maildirsync.StoreConfig {
	return maildirsync.StoreConfig{
		Type:     "maildir",
		BasePath: c.BasePath,
		Options: map[string]string{
			"maildir_subdir": c.MaildirSubdir,
			"path_template":  c.PathTemplate,
			"index":          c.Index,
			"index_file":     c.IndexFile,
			"sync_secs":      c.SyncSecs.String(),
			"lock_timeout":   c.LockTimeout.String(),
		},
	}
}

// NewStore opens a MaildirStore with every setting of c applied.
func (c *Config) NewStore(logger *slog.Logger) *maildir.MaildirStore {
	return maildir.NewStore(c.BasePath, c.MaildirSubdir, c.PathTemplate, c.Index, c.MaildirOptions(logger)).
		WithIndexFile(c.IndexFile)
}

// Describe writes an annotated example configuration with the defaults.
func Describe(w io.Writer) error {
	c := Default()
	return sconf.Describe(w, &c)
}
