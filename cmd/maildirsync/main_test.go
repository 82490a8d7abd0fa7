package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/maildirsync/config"
	"github.com/infodancer/maildirsync/maildir"
)

// setup creates a config file and a maildir "alice" holding one message
// that has no UID yet.
func setup(t *testing.T) (configPath, cur string) {
	t.Helper()
	base := t.TempDir()
	configPath = filepath.Join(t.TempDir(), "maildirsync.conf")
	conf := "BasePath: " + base + "\nIndex: memory\nLockTimeout: 1s\n"
	if err := os.WriteFile(configPath, []byte(conf), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := maildir.NewLayout(filepath.Join(base, "alice"), nil).Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	cur = filepath.Join(base, "alice", "cur")
	if err := os.WriteFile(filepath.Join(cur, "1700000000.M1P1.test,S=5:2,S"), []byte("hello"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return configPath, cur
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	tests := [][]string{
		{},
		{"nosuch", "alice"},
		{"sync"},
		{"lookup", "alice"},
		{"lookup", "alice", "zero"},
		{"-nosuchflag", "sync", "alice"},
	}
	for _, args := range tests {
		if code, _, _ := runCmd(t, args...); code != exitUsage {
			t.Errorf("run(%q) = %d, want %d", args, code, exitUsage)
		}
	}
}

func TestRun_DescribeConfig(t *testing.T) {
	code, out, stderr := runCmd(t, "describe-config")
	if code != exitOK {
		t.Fatalf("describe-config failed: %s", stderr)
	}
	if !strings.Contains(out, "BasePath:") || !strings.Contains(out, "SyncSecs: 1s") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRun_SyncAndList(t *testing.T) {
	configPath, _ := setup(t)

	code, out, stderr := runCmd(t, "-config", configPath, "sync", "alice")
	if code != exitOK {
		t.Fatalf("sync failed: %s", stderr)
	}
	if !strings.Contains(out, "added=1") {
		t.Fatalf("unexpected sync output %q", out)
	}

	code, out, stderr = runCmd(t, "-config", configPath, "list", "alice")
	if code != exitOK {
		t.Fatalf("list failed: %s", stderr)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected list output %q", out)
	}
	fields := strings.Fields(lines[1])
	if fields[0] != "1" || fields[1] != "5" || fields[2] != `\Seen` {
		t.Fatalf("unexpected list line %q", lines[1])
	}

	code, out, stderr = runCmd(t, "-config", configPath, "lookup", "alice", "1")
	if code != exitOK {
		t.Fatalf("lookup failed: %s", stderr)
	}
	if out != "1 1700000000.M1P1.test,S=5:2,S\n" {
		t.Fatalf("unexpected lookup output %q", out)
	}

	code, out, _ = runCmd(t, "-config", configPath, "check", "alice")
	if code != exitOK || (out != "in sync\n" && out != "out of sync\n") {
		t.Fatalf("check = %d %q", code, out)
	}
}

func TestRun_Force(t *testing.T) {
	configPath, _ := setup(t)

	code, out, stderr := runCmd(t, "-config", configPath, "force", "alice", "1")
	if code != exitOK {
		t.Fatalf("force failed: %s", stderr)
	}
	if !strings.Contains(out, "uid 1 found") {
		t.Fatalf("unexpected output %q", out)
	}

	_, out, _ = runCmd(t, "-config", configPath, "force", "alice", "7")
	if !strings.Contains(out, "uid 7 not found") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRun_Failures(t *testing.T) {
	configPath, _ := setup(t)

	if code, _, _ := runCmd(t, "-config", configPath, "sync", "bob"); code != exitFail {
		t.Errorf("sync of a missing mailbox = %d", code)
	}
	if code, _, _ := runCmd(t, "-config", configPath, "lookup", "alice", "9"); code != exitFail {
		t.Errorf("lookup of a missing uid = %d", code)
	}
	if code, _, _ := runCmd(t, "-config", configPath, "-index", "sqlite", "sync", "alice"); code != exitFail {
		t.Errorf("unknown index = %d", code)
	}
	if code, _, _ := runCmd(t, "-config", filepath.Join(t.TempDir(), "none.conf"), "sync", "alice"); code != exitFail {
		t.Errorf("missing config = %d", code)
	}
}

func TestWatch(t *testing.T) {
	configPath, cur := setup(t)
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.WatchDebounce = 10 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := cfg.NewStore(logger)
	defer func() { _ = store.Close() }()
	m, err := store.OpenMailbox("alice")
	if err != nil {
		t.Fatalf("OpenMailbox failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- watch(ctx, m, cfg, logger, ready) }()
	<-ready

	if err := os.WriteFile(filepath.Join(cur, "1700000100.M2P1.test,S=3:2,"), []byte("new"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	uidlist := filepath.Join(filepath.Dir(cur), maildir.UIDListName)
	deadline := time.Now().Add(10 * time.Second)
	for {
		data, _ := os.ReadFile(uidlist)
		if strings.Contains(string(data), "1700000100.M2P1.test") {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("watch did not sync the new message; uidlist %q", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch failed: %v", err)
	}
}
