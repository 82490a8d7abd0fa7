package maildir

import (
	"context"
	"time"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

// Snapshot is a directory mtime observed at Now.
type Snapshot struct {
	Mtime     int64
	MtimeNsec int32
	Now       time.Time
}

func snapshotOf(fi mailfs.FileInfo, now time.Time) Snapshot {
	return Snapshot{
		Mtime:     fi.Mtime.Unix(),
		MtimeNsec: int32(fi.Mtime.Nanosecond()),
		Now:       now,
	}
}

// Equal reports whether both snapshots carry the same mtime, nanoseconds
// included.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Mtime == o.Mtime && s.MtimeNsec == o.MtimeNsec
}

// TimestampOracle stats directories, riding out a directory that is missing
// for a moment.
type TimestampOracle struct {
	FS      mailfs.FS
	Clock   mailfs.Clock
	Retries int

	// Recreate is called between retries after ENOENT.
	Recreate func(path string) error
}

// Snapshot stats path. ENOENT is retried up to Retries times; every other
// error, and ENOENT after the last retry, is returned as an *errors.OpError.
func (o *TimestampOracle) Snapshot(ctx context.Context, path string) (Snapshot, error) {
	for i := 0; ; i++ {
		fi, err := o.FS.Stat(path)
		if err == nil {
			return snapshotOf(fi, o.Clock.Now()), nil
		}
		if !errors.IsNotExist(err) || i >= o.Retries {
			return Snapshot{}, errors.Op("stat", path, err)
		}
		if err := ctx.Err(); err != nil {
			return Snapshot{}, errors.Op("stat", path, err)
		}
		if o.Recreate != nil {
			if rerr := o.Recreate(path); rerr != nil {
				return Snapshot{}, errors.Op("recreate", path, rerr)
			}
		}
	}
}
