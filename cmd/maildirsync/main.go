// Command maildirsync inspects and reconciles maildir UID lists.
//
//	maildirsync [flags] sync <mailbox>
//	maildirsync [flags] check <mailbox>
//	maildirsync [flags] force <mailbox> <uid>
//	maildirsync [flags] lookup <mailbox> <uid>
//	maildirsync [flags] list <mailbox>
//	maildirsync [flags] watch <mailbox>
//	maildirsync describe-config
//
// Mailbox names are resolved below BasePath of the configuration file,
// like a delivery agent resolves recipients.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infodancer/maildirsync/config"
	"github.com/infodancer/maildirsync/maildir"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: maildirsync [flags] sync|check|list|watch <mailbox>")
	fmt.Fprintln(w, "       maildirsync [flags] force|lookup <mailbox> <uid>")
	fmt.Fprintln(w, "       maildirsync describe-config")
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("maildirsync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "configuration file (sconf); defaults apply without one")
	indexType := fs.String("index", "", "index backend, bstore or memory; overrides the config file")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address; overrides the config file")
	full := fs.Bool("full", false, "sync: rescan even a recently scanned directory")
	fast := fs.Bool("fast", false, "sync: skip when the uidlist is locked elsewhere")
	force := fs.Bool("force", false, "sync: skip the quick check and always scan")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	args = fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return exitUsage
	}
	cmd, args := args[0], args[1:]

	if cmd == "describe-config" {
		if err := config.Describe(stdout); err != nil {
			fmt.Fprintf(stderr, "describe-config: %v\n", err)
			return exitFail
		}
		return exitOK
	}

	want := 1
	if cmd == "force" || cmd == "lookup" {
		want = 2
	}
	switch cmd {
	case "sync", "check", "force", "lookup", "list", "watch":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}
	if len(args) != want {
		fs.Usage()
		return exitUsage
	}
	var uid uint32
	if want == 2 {
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || v == 0 {
			fmt.Fprintf(stderr, "bad uid %q\n", args[1])
			return exitUsage
		}
		uid = uint32(v)
	}

	cfg, err := loadConfig(*configPath, *indexType, *metricsAddr)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitFail
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() { _ = srv.Close() }()
	}

	store := cfg.NewStore(logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing mailboxes failed", slog.String("error", err.Error()))
		}
	}()
	m, err := store.OpenMailbox(args[0])
	if err != nil {
		logger.Error("opening mailbox failed",
			slog.String("mailbox", args[0]),
			slog.String("error", err.Error()))
		return exitFail
	}

	switch cmd {
	case "sync":
		err = cmdSync(ctx, m, maildir.SyncFlags{FullRead: *full, Fast: *fast, ForceResync: *force}, stdout)
	case "check":
		err = cmdCheck(ctx, m, stdout)
	case "force":
		err = cmdForce(ctx, m, uid, stdout)
	case "lookup":
		err = cmdLookup(ctx, m, uid, stdout)
	case "list":
		err = cmdList(ctx, m, stdout)
	case "watch":
		err = watch(ctx, m, cfg, logger, nil)
	}
	if err != nil {
		logger.Error("command failed",
			slog.String("command", cmd),
			slog.String("error", err.Error()))
		return exitFail
	}
	return exitOK
}

func loadConfig(path, indexType, metricsAddr string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		c := config.Default()
		cfg = &c
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if indexType != "" {
		cfg.Index = indexType
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func printResult(w io.Writer, res maildir.SyncResult) {
	if res.Skipped {
		fmt.Fprintln(w, "skipped: no change")
		return
	}
	fmt.Fprintf(w, "changed=%v added=%d expunged=%d flags=%d renamed=%d duplicates=%d retries=%d reason=%s\n",
		res.Changed, res.Added, res.Expunged, res.FlagChanges, res.Renamed, res.DuplicatesFixed, res.Retries, res.Reason)
	if res.Degraded {
		fmt.Fprintf(w, "degraded: %s\n", res.Notice)
	}
	if res.DurabilityDeferred {
		fmt.Fprintln(w, "uidlist not written: out of space")
	}
	if res.TookTooLong {
		fmt.Fprintln(w, "scan cut short")
	}
}

func cmdSync(ctx context.Context, m *maildir.Mailbox, flags maildir.SyncFlags, w io.Writer) error {
	res, err := m.Sync(ctx, flags)
	if err != nil {
		return err
	}
	printResult(w, res)
	return nil
}

func cmdCheck(ctx context.Context, m *maildir.Mailbox, w io.Writer) error {
	ok, err := m.IsInSync(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(w, "in sync")
	} else {
		fmt.Fprintln(w, "out of sync")
	}
	return nil
}

func cmdForce(ctx context.Context, m *maildir.Mailbox, uid uint32, w io.Writer) error {
	res, err := m.ForceSync(ctx, uid)
	if err != nil {
		return err
	}
	printResult(w, res)
	if res.Found {
		fmt.Fprintf(w, "uid %d found\n", uid)
	} else {
		fmt.Fprintf(w, "uid %d not found\n", uid)
	}
	return nil
}

func cmdLookup(ctx context.Context, m *maildir.Mailbox, uid uint32, w io.Writer) error {
	e, err := m.Lookup(ctx, uid)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%d %s\n", e.UID, e.Filename)
	return nil
}

func cmdList(ctx context.Context, m *maildir.Mailbox, w io.Writer) error {
	if _, err := m.Sync(ctx, maildir.SyncFlags{}); err != nil {
		return err
	}
	msgs, err := m.Messages(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "UID\tSIZE\tFLAGS\tFILENAME")
	for _, msg := range msgs {
		flags := make([]string, len(msg.Flags))
		for i, f := range msg.Flags {
			flags[i] = string(f)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", msg.UID, msg.Size, strings.Join(flags, " "), msg.Filename)
	}
	return tw.Flush()
}

// watch syncs whenever cur/ changes, after cfg.WatchDebounce of quiet. A
// directory left dirty by the last sync is synced again once the drift
// window has passed. ready, when set, is closed once the watcher runs.
func watch(ctx context.Context, m *maildir.Mailbox, cfg *config.Config, logger *slog.Logger, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(m.Layout().Cur()); err != nil {
		return fmt.Errorf("watching %s: %w", m.Layout().Cur(), err)
	}

	qc := maildir.QuickCheck{SyncSecs: int64((cfg.SyncSecs + time.Second - 1) / time.Second)}
	debounce := time.NewTimer(0)
	defer debounce.Stop()
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	resync := func() {
		res, err := m.Sync(ctx, maildir.SyncFlags{})
		if err != nil {
			logger.Warn("sync failed", slog.String("error", err.Error()))
		} else if !res.Skipped {
			logger.Info("synced",
				slog.Int("added", res.Added),
				slog.Int("expunged", res.Expunged),
				slog.Int("flag_changes", res.FlagChanges),
				slog.Bool("degraded", res.Degraded))
		}
		if err != nil || res.Degraded || qc.Dirty(m.Header()) {
			settle.Reset(cfg.SyncSecs + time.Second)
		}
	}

	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(cfg.WatchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", slog.String("error", err.Error()))
			debounce.Reset(cfg.WatchDebounce)
		case <-debounce.C:
			resync()
		case <-settle.C:
			resync()
		}
	}
}
