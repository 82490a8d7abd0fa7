package maildir

import (
	"fmt"
	"strings"

	"github.com/infodancer/maildirsync/index"
)

// Reason is a bit set of the reasons a scan runs.
type Reason uint8

const (
	ReasonNone       Reason = 0
	ReasonForced     Reason = 0x01
	ReasonFirstSync  Reason = 0x02
	ReasonCurChanged Reason = 0x08
	ReasonDelayedCur Reason = 0x80
)

func (r Reason) String() string {
	if r == ReasonNone {
		return "none"
	}
	var l []string
	for _, x := range []struct {
		bit  Reason
		name string
	}{
		{ReasonForced, "forced"},
		{ReasonFirstSync, "first-sync"},
		{ReasonCurChanged, "cur-changed"},
		{ReasonDelayedCur, "delayed-cur"},
	} {
		if r&x.bit != 0 {
			l = append(l, x.name)
		}
	}
	return fmt.Sprintf("%s (why=0x%x)", strings.Join(l, ","), uint8(r))
}

// QuickCheck decides from the cached header and a fresh stat whether cur/
// must be scanned.
type QuickCheck struct {
	// SyncSecs is the drift window in whole seconds.
	SyncSecs int64
	// VeryDirty trusts the mtime comparison inside the drift window.
	VeryDirty bool
}

// Dirty reports whether the last scan started within the drift window of
// the directory's mtime, so a change may have been missed.
func (q QuickCheck) Dirty(h index.Header) bool {
	return h.CurCheckTime <= h.CurMtime+q.SyncSecs
}

// Check reports whether a scan is needed. skipDelayed suppresses the dirty
// rule. It never answers false for a dirty header unless told to.
func (q QuickCheck) Check(h index.Header, fresh Snapshot, skipDelayed bool) (bool, Reason) {
	if h.CurCheckTime == 0 {
		return true, ReasonFirstSync
	}
	if q.Dirty(h) && !skipDelayed && !q.VeryDirty {
		return true, ReasonDelayedCur
	}
	if fresh.Mtime != h.CurMtime || fresh.MtimeNsec != h.CurMtimeNsec {
		return true, ReasonCurChanged
	}
	return false, ReasonNone
}
