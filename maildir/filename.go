package maildir

import (
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"
)

var (
	// deliveryCounter ensures unique filenames even within the same microsecond.
	deliveryCounter uint64
	// cachedHostname is set once at startup.
	cachedHostname string
)

func init() {
	cachedHostname = getHostname()
}

// generateBase creates a unique base name for a message file.
// Format: timestamp.M<usec>P<pid>Q<counter>.hostname.random
// Example: 1705678901.M123456P12345Q1.hostname.abc123
func generateBase(now time.Time) string {
	counter := atomic.AddUint64(&deliveryCounter, 1)
	pid := os.Getpid()

	randomBytes := make([]byte, 6)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("%d.M%dP%dQ%d.%s",
			now.Unix(), now.Nanosecond()/1000, pid, counter, cachedHostname)
	}
	return fmt.Sprintf("%d.M%dP%dQ%d.%s.%x",
		now.Unix(), now.Nanosecond()/1000, pid, counter, cachedHostname, randomBytes)
}

// getHostname returns the sanitized system hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return sanitizeHostname(hostname)
}

// sanitizeHostname replaces characters that have a meaning in maildir
// filenames.
func sanitizeHostname(hostname string) string {
	hostname = strings.ReplaceAll(hostname, "/", "_")
	hostname = strings.ReplaceAll(hostname, ":", "_")
	hostname = strings.ReplaceAll(hostname, ",", "_")
	hostname = strings.ReplaceAll(hostname, "\x00", "")
	return hostname
}

// Key returns the stable identity of a message file: the filename up to
// the first ',' or ':'.
func Key(name string) string {
	if i := strings.IndexAny(name, ",:"); i >= 0 {
		return name[:i]
	}
	return name
}

// Filename is a parsed message filename of the form
// base[,key=value...][:2,FLAGS].
type Filename struct {
	Base string

	// Fields are the ",key=value" extensions, without the leading comma,
	// in their original order and spelling.
	Fields []string

	// Info is everything after the ':' separator, e.g. "2,FS".
	Info    string
	HasInfo bool
}

// ParseFilename splits name into its parts. It never fails; a name without
// extensions or info is all Base.
func ParseFilename(name string) Filename {
	var f Filename
	head := name
	if i := strings.IndexByte(name, ':'); i >= 0 {
		head = name[:i]
		f.Info = name[i+1:]
		f.HasInfo = true
	}
	parts := strings.Split(head, ",")
	f.Base = parts[0]
	if len(parts) > 1 {
		f.Fields = parts[1:]
	}
	return f
}

func (f Filename) String() string {
	var b strings.Builder
	b.WriteString(f.Base)
	for _, field := range f.Fields {
		b.WriteByte(',')
		b.WriteString(field)
	}
	if f.HasInfo {
		b.WriteByte(':')
		b.WriteString(f.Info)
	}
	return b.String()
}

func (f Filename) field(key byte) (int64, bool) {
	for _, field := range f.Fields {
		if len(field) > 2 && field[0] == key && field[1] == '=' {
			v, err := strconv.ParseInt(field[2:], 10, 64)
			if err == nil && v >= 0 {
				return v, true
			}
		}
	}
	return 0, false
}

// Size returns the S= (physical size) extension.
func (f Filename) Size() (int64, bool) {
	return f.field('S')
}

// VirtualSize returns the W= (CRLF size) extension.
func (f Filename) VirtualSize() (int64, bool) {
	return f.field('W')
}

// Flags returns the standard maildir flags of a "2," info part.
func (f Filename) Flags() []maildir.Flag {
	if !strings.HasPrefix(f.Info, "2,") {
		return nil
	}
	var flags []maildir.Flag
	for _, c := range f.Info[2:] {
		if c >= 'A' && c <= 'Z' {
			flags = append(flags, maildir.Flag(c))
		}
	}
	return flags
}

// WithFlags returns f with its standard flags replaced. Lowercase keyword
// letters of an existing "2," info are kept.
func (f Filename) WithFlags(flags []maildir.Flag) Filename {
	var keywords []rune
	if strings.HasPrefix(f.Info, "2,") {
		for _, c := range f.Info[2:] {
			if c < 'A' || c > 'Z' {
				keywords = append(keywords, c)
			}
		}
	}
	seen := make(map[maildir.Flag]bool)
	var std []rune
	for _, fl := range flags {
		if !seen[fl] {
			seen[fl] = true
			std = append(std, rune(fl))
		}
	}
	sort.Slice(std, func(i, j int) bool { return std[i] < std[j] })

	f.Fields = append([]string(nil), f.Fields...)
	f.Info = "2," + string(std) + string(keywords)
	f.HasInfo = true
	return f
}

// WithBase returns f under a new base name. Extensions and info are kept
// verbatim.
func (f Filename) WithBase(base string) Filename {
	f.Base = base
	f.Fields = append([]string(nil), f.Fields...)
	return f
}

// flagsToIMAP converts maildir flags to IMAP system flags.
func flagsToIMAP(flags []maildir.Flag) []imap.Flag {
	var result []imap.Flag
	for _, f := range flags {
		switch f {
		case maildir.FlagSeen:
			result = append(result, imap.FlagSeen)
		case maildir.FlagReplied:
			result = append(result, imap.FlagAnswered)
		case maildir.FlagFlagged:
			result = append(result, imap.FlagFlagged)
		case maildir.FlagDraft:
			result = append(result, imap.FlagDraft)
		case maildir.FlagTrashed:
			result = append(result, imap.FlagDeleted)
		case maildir.FlagPassed:
			result = append(result, imap.Flag("$Forwarded"))
		}
	}
	return result
}

// flagsFromIMAP converts IMAP flags to maildir flags. Flags without a
// maildir letter are dropped.
func flagsFromIMAP(flags []imap.Flag) []maildir.Flag {
	var result []maildir.Flag
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			result = append(result, maildir.FlagSeen)
		case imap.FlagAnswered:
			result = append(result, maildir.FlagReplied)
		case imap.FlagFlagged:
			result = append(result, maildir.FlagFlagged)
		case imap.FlagDraft:
			result = append(result, maildir.FlagDraft)
		case imap.FlagDeleted:
			result = append(result, maildir.FlagTrashed)
		case "$Forwarded":
			result = append(result, maildir.FlagPassed)
		}
	}
	return result
}

func sameFlags(a, b []imap.Flag) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[imap.Flag]int, len(a))
	for _, f := range a {
		set[f]++
	}
	for _, f := range b {
		set[f]--
	}
	for _, n := range set {
		if n != 0 {
			return false
		}
	}
	return true
}
