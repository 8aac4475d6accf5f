// Package ledger keeps an mbox file with the header of every message
// pop3prune deleted, so a run can be audited after the fact.
//
// An entry is written once the server acknowledged DELE. The deletion is only
// committed when the session ends cleanly, so after an aborted session the
// ledger may list a message that is still in the mailbox; it will be listed
// again when a later session deletes it.
package ledger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-mbox"

	"github.com/emx-mail/pop3prune/pkgs/email"
)

// Ledger appends deleted message headers to an mbox file.
type Ledger struct {
	mu   sync.Mutex
	f    *os.File
	w    *mbox.Writer
	now  func() time.Time
	path string
}

// Open opens or creates the mbox file at path for appending.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return &Ledger{
		f:    f,
		w:    mbox.NewWriter(f),
		now:  time.Now,
		path: path,
	}, nil
}

// Path returns the file the ledger writes to.
func (l *Ledger) Path() string { return l.path }

// Record appends the raw header of a deleted message.
func (l *Ledger) Record(h *email.Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := h.Sender()
	if from == "" {
		from = "MAILER-DAEMON"
	}
	date, ok := h.Sent()
	if !ok {
		date = l.now()
	}

	mw, err := l.w.CreateMessage(from, date)
	if err != nil {
		return fmt.Errorf("creating ledger entry: %w", err)
	}
	if _, err := fmt.Fprintf(mw, "X-Pop3prune-Deleted: %s\r\n", l.now().Format(time.RFC1123Z)); err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	if _, err := mw.Write(h.Raw); err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	return nil
}

// Close flushes the last entry and closes the file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Close(); err != nil {
		l.f.Close()
		return fmt.Errorf("closing ledger: %w", err)
	}
	return l.f.Close()
}
