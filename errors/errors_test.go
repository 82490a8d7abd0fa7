package errors

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOp(t *testing.T) {
	if Op("stat", "/x", nil) != nil {
		t.Fatal("Op(nil) must be nil")
	}
	err := Op("rename", "/mail/cur/a", &fs.PathError{Op: "rename", Path: "/mail/cur/a", Err: unix.ENOENT})
	if err.Error() != "rename /mail/cur/a: rename /mail/cur/a: no such file or directory" {
		t.Fatalf("unexpected message %q", err)
	}
	var op *OpError
	if !errors.As(err, &op) || op.Op != "rename" {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !IsNotExist(err) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("wrapped ENOENT not classified as missing")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notExist  bool
		perm      bool
		exhausted bool
		transient bool
	}{
		{"enoent", unix.ENOENT, true, false, false, true},
		{"eacces", Op("open", "/x", unix.EACCES), false, true, false, false},
		{"enospc", Op("write", "/x", unix.ENOSPC), false, false, true, true},
		{"edquot", fmt.Errorf("commit: %w", unix.EDQUOT), false, false, true, true},
		{"sentinel", fmt.Errorf("%w: disk", ErrResourceExhausted), false, false, true, true},
		{"lock timeout", ErrLockTimeout, false, false, false, true},
		{"corrupt", ErrUIDListCorrupt, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotExist(tt.err); got != tt.notExist {
				t.Errorf("IsNotExist = %v", got)
			}
			if got := IsPermission(tt.err); got != tt.perm {
				t.Errorf("IsPermission = %v", got)
			}
			if got := IsResourceExhausted(tt.err); got != tt.exhausted {
				t.Errorf("IsResourceExhausted = %v", got)
			}
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v", got)
			}
		})
	}
}
