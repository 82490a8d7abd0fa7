package maildir

import (
	"strings"
	"testing"
	"time"

	"github.com/infodancer/maildirsync/index"
)

func TestQuickCheck_FirstSync(t *testing.T) {
	q := QuickCheck{SyncSecs: 1}
	changed, why := q.Check(index.Header{}, Snapshot{Mtime: 100}, true)
	if !changed || why != ReasonFirstSync {
		t.Fatalf("expected first sync, got %v %s", changed, why)
	}
}

// Whenever the last check started within the drift window of the mtime,
// an identical stat must not be trusted.
func TestQuickCheck_DirtyNeverSkipped(t *testing.T) {
	q := QuickCheck{SyncSecs: 2}
	for mtime := int64(1000); mtime < 1010; mtime++ {
		for check := mtime - 5; check <= mtime+2; check++ {
			if check == 0 {
				continue
			}
			h := index.Header{CurMtime: mtime, CurMtimeNsec: 7, CurCheckTime: check}
			fresh := Snapshot{Mtime: mtime, MtimeNsec: 7}
			changed, why := q.Check(h, fresh, false)
			if !changed {
				t.Fatalf("mtime %d check %d: dirty header skipped", mtime, check)
			}
			if why != ReasonDelayedCur {
				t.Fatalf("mtime %d check %d: unexpected reason %s", mtime, check, why)
			}
		}
	}
}

func TestQuickCheck_Clean(t *testing.T) {
	q := QuickCheck{SyncSecs: 1}
	h := index.Header{CurMtime: 1000, CurMtimeNsec: 5, CurCheckTime: 1010}

	if changed, _ := q.Check(h, Snapshot{Mtime: 1000, MtimeNsec: 5}, false); changed {
		t.Fatal("clean header with identical stat must skip")
	}
	if changed, why := q.Check(h, Snapshot{Mtime: 1000, MtimeNsec: 6}, false); !changed || why != ReasonCurChanged {
		t.Fatalf("nanosecond change missed: %v %s", changed, why)
	}
	if changed, why := q.Check(h, Snapshot{Mtime: 1001, MtimeNsec: 5}, false); !changed || why != ReasonCurChanged {
		t.Fatalf("second change missed: %v %s", changed, why)
	}
}

func TestQuickCheck_SkipDelayed(t *testing.T) {
	h := index.Header{CurMtime: 1000, CurCheckTime: 1000}
	fresh := Snapshot{Mtime: 1000, Now: time.Unix(1000, 0)}

	if changed, _ := (QuickCheck{SyncSecs: 1}).Check(h, fresh, true); changed {
		t.Fatal("skipDelayed with identical stat must skip")
	}
	if changed, _ := (QuickCheck{SyncSecs: 1, VeryDirty: true}).Check(h, fresh, false); changed {
		t.Fatal("VeryDirty trusts the mtime")
	}
	fresh.Mtime = 1001
	if changed, _ := (QuickCheck{SyncSecs: 1}).Check(h, fresh, true); !changed {
		t.Fatal("skipDelayed must still detect an mtime change")
	}
}

func TestReason_String(t *testing.T) {
	if s := ReasonNone.String(); s != "none" {
		t.Fatalf("ReasonNone = %q", s)
	}
	s := (ReasonForced | ReasonDelayedCur).String()
	if !strings.Contains(s, "forced,delayed-cur") || !strings.Contains(s, "why=0x81") {
		t.Fatalf("unexpected %q", s)
	}
}
