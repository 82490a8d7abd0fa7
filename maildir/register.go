package maildir

import (
	"fmt"
	"slices"

	"github.com/infodancer/maildirsync"
	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/index"

	// Durable index backend selectable with the "index" option.
	_ "github.com/infodancer/maildirsync/index/bstoreindex"
)

func init() {
	maildirsync.Register("maildir", func(config maildirsync.StoreConfig) (maildirsync.MsgStore, error) {
		if config.BasePath == "" {
			return nil, errors.ErrStoreConfigInvalid
		}
		// maildir_subdir specifies the subdirectory under each user (e.g., "Maildir")
		maildirSubdir := config.Options["maildir_subdir"]
		// path_template transforms mailbox names using {domain}, {localpart}, {email}
		// e.g., "{domain}/users/{localpart}" transforms user@example.com to example.com/users/user
		pathTemplate := config.Options["path_template"]

		indexType := config.Option("index", "memory")
		if !slices.Contains(index.RegisteredTypes(), indexType) {
			return nil, fmt.Errorf("%w: unknown index %q", errors.ErrStoreConfigInvalid, indexType)
		}

		var opts Options
		var err error
		if opts.SyncSecs, err = config.DurationOption("sync_secs", DefaultSyncSecs); err != nil {
			return nil, err
		}
		if opts.LockTimeout, err = config.DurationOption("lock_timeout", DefaultLockTimeout); err != nil {
			return nil, err
		}
		if opts.LockTimeout == 0 {
			// Explicit zero: a single attempt.
			opts.LockTimeout = -1
		}
		store := NewStore(config.BasePath, maildirSubdir, pathTemplate, indexType, opts)
		return store.WithIndexFile(config.Options["index_file"]), nil
	})
}
