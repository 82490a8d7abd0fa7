package maildir

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/infodancer/maildirsync/errors"
	"github.com/infodancer/maildirsync/mailfs"
)

// DuplicateAction is what Resolve did about a key collision.
type DuplicateAction int

const (
	NoAction DuplicateAction = iota
	// Merged: the observed name was a redundant hard link and was removed.
	Merged
	// Renamed: the observed file was a distinct message and got a new name.
	Renamed
)

func (a DuplicateAction) String() string {
	switch a {
	case Merged:
		return "merged"
	case Renamed:
		return "renamed"
	default:
		return "none"
	}
}

// Resolution is the outcome of resolving one duplicate.
type Resolution struct {
	Action DuplicateAction
	// NewName is the observed file's new name when Action is Renamed.
	NewName string
}

// DuplicateResolver handles two directory entries with the same stable key.
// Every path may vanish between two calls; a missing file is never an
// error, any other stat failure is.
type DuplicateResolver struct {
	FS     mailfs.FS
	Clock  mailfs.Clock
	Logger *slog.Logger

	// Grace is how long a hard link pair must be unchanged before the
	// redundant link is removed.
	Grace time.Duration
}

// Resolve compares known (the name already confirmed for the key) with
// observed (the later entry) in dir.
func (r *DuplicateResolver) Resolve(dir, known, observed string) (Resolution, error) {
	knownPath := filepath.Join(dir, known)
	observedPath := filepath.Join(dir, observed)

	st1, err := r.FS.Stat(knownPath)
	if err != nil {
		if errors.IsNotExist(err) {
			return Resolution{}, nil
		}
		return Resolution{}, errors.Op("stat", knownPath, err)
	}
	st2, err := r.FS.Stat(observedPath)
	if err != nil {
		if errors.IsNotExist(err) {
			return Resolution{}, nil
		}
		return Resolution{}, errors.Op("stat", observedPath, err)
	}

	if st1.SameFile(st2) {
		// Same file: a race between the two stats, or link()ed names.
		settled := st1.Nlink > 1 &&
			st2.Nlink == st1.Nlink &&
			st1.Ctime.Equal(st2.Ctime) &&
			st1.Ctime.Before(r.Clock.Now().Add(-r.Grace))
		if !settled {
			return Resolution{}, nil
		}
		if err := r.FS.Remove(observedPath); err != nil {
			r.Logger.Warn("removing duplicate link failed",
				slog.String("path", observedPath),
				slog.String("error", err.Error()))
			return Resolution{}, nil
		}
		r.Logger.Warn("unlinked a duplicate", slog.String("path", observedPath))
		duplicatesTotal.WithLabelValues(Merged.String()).Inc()
		return Resolution{Action: Merged}, nil
	}

	newName := ParseFilename(observed).WithBase(generateBase(r.Clock.Now())).String()
	newPath := filepath.Join(dir, newName)
	if err := r.FS.Rename(observedPath, newPath); err != nil {
		if errors.IsNotExist(err) {
			return Resolution{}, nil
		}
		return Resolution{}, errors.Op("rename", observedPath, err)
	}
	r.Logger.Warn("renamed a duplicate",
		slog.String("path", observedPath),
		slog.String("new_name", newName))
	duplicatesTotal.WithLabelValues(Renamed.String()).Inc()
	return Resolution{Action: Renamed, NewName: newName}, nil
}
