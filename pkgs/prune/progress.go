package prune

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/emx-mail/pop3prune/pkgs/email"
)

// Progress is a snapshot of the current session for display.
type Progress struct {
	Seq     int
	Cursor  int
	Total   int
	Marked  int
	Skipped int
}

func (p Progress) String() string {
	return fmt.Sprintf("#%d   %d / %d (marked %d, skipped %d)", p.Seq, p.Cursor, p.Total, p.Marked, p.Skipped)
}

// Reporter receives progress from the driver. It never feeds anything back.
type Reporter interface {
	// Progress is called after every evaluated message.
	Progress(p Progress)
	// Kept is called for every message that did not match.
	Kept(p Progress, h *email.Header)
	// Finish is called once when the run ends.
	Finish(sum *Summary)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Progress(Progress)            {}
func (NopReporter) Kept(Progress, *email.Header) {}
func (NopReporter) Finish(*Summary)              {}

// ConsoleReporter prints progress lines. On a terminal the progress line is
// rewritten in place.
type ConsoleReporter struct {
	mu      sync.Mutex
	w       io.Writer
	tty     bool
	pending bool
}

// NewConsoleReporter writes to f, detecting whether f is a terminal.
func NewConsoleReporter(f *os.File) *ConsoleReporter {
	return &ConsoleReporter{w: f, tty: term.IsTerminal(int(f.Fd()))}
}

func (r *ConsoleReporter) Progress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tty {
		fmt.Fprintf(r.w, "\r\033[K%s", p)
		r.pending = true
		return
	}
	fmt.Fprintln(r.w, p)
}

func (r *ConsoleReporter) Kept(p Progress, h *email.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	fmt.Fprintf(r.w, "  %d: %s\n", p.Cursor, h.Summary())
}

func (r *ConsoleReporter) Finish(sum *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	fmt.Fprintln(r.w, sum.Line())
}

func (r *ConsoleReporter) clear() {
	if r.pending {
		fmt.Fprint(r.w, "\r\033[K")
		r.pending = false
	}
}
