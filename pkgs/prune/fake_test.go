package prune

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emx-mail/pop3prune/pkgs/email"
)

// fakeMailbox is an in-memory mailbox with POP3 semantics: every session sees
// a snapshot numbered from 1, and deletions are applied only on Quit.
type fakeMailbox struct {
	mu       sync.Mutex
	msgs     []string
	password string
	trace    []string
	sessions int

	// before runs ahead of every command and may fail or block it. n is the
	// message number for TOP and DELE, 0 otherwise.
	before func(ctx context.Context, seq int, cmd string, n int) error
}

func newFakeMailbox(msgs ...string) *fakeMailbox {
	return &fakeMailbox{msgs: msgs, password: "secret"}
}

func (m *fakeMailbox) record(seq int, cmd string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.trace = append(m.trace, fmt.Sprintf("%d %s %d", seq, cmd, n))
	} else {
		m.trace = append(m.trace, fmt.Sprintf("%d %s", seq, cmd))
	}
}

func (m *fakeMailbox) hook(ctx context.Context, seq int, cmd string, n int) error {
	m.record(seq, cmd, n)
	if m.before != nil {
		return m.before(ctx, seq, cmd, n)
	}
	return nil
}

// Trace returns the commands issued so far.
func (m *fakeMailbox) Trace() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.trace...)
}

// Numbers returns the message numbers passed to cmd, per session.
func (m *fakeMailbox) Numbers(seq int, cmd string) []int {
	var out []int
	prefix := fmt.Sprintf("%d %s ", seq, cmd)
	for _, line := range m.Trace() {
		if strings.HasPrefix(line, prefix) {
			var n int
			fmt.Sscanf(strings.TrimPrefix(line, prefix), "%d", &n)
			out = append(out, n)
		}
	}
	return out
}

// Count returns how many times cmd was issued across all sessions.
func (m *fakeMailbox) Count(cmd string) int {
	c := 0
	for _, line := range m.Trace() {
		f := strings.Fields(line)
		if len(f) >= 2 && f[1] == cmd {
			c++
		}
	}
	return c
}

// Messages returns the committed mailbox content.
func (m *fakeMailbox) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}

func (m *fakeMailbox) Connect(ctx context.Context) (email.Session, error) {
	m.mu.Lock()
	m.sessions++
	seq := m.sessions
	m.mu.Unlock()

	if err := m.hook(ctx, seq, "CONNECT", 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &fakeSession{
		mb:      m,
		seq:     seq,
		view:    append([]string(nil), m.msgs...),
		deleted: map[int]bool{},
	}, nil
}

type fakeSession struct {
	mb      *fakeMailbox
	seq     int
	view    []string
	deleted map[int]bool
	closed  bool
}

var errClosed = errors.New("use of closed connection")

func (s *fakeSession) do(ctx context.Context, cmd string, n int) error {
	if s.closed {
		return errClosed
	}
	if err := s.mb.hook(ctx, s.seq, cmd, n); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (s *fakeSession) Login(ctx context.Context, username, password string) error {
	if err := s.do(ctx, "LOGIN", 0); err != nil {
		return err
	}
	if password != s.mb.password {
		return &email.ResponseError{Command: "PASS", Text: "invalid password"}
	}
	return nil
}

func (s *fakeSession) Count(ctx context.Context) (int, error) {
	if err := s.do(ctx, "STAT", 0); err != nil {
		return 0, err
	}
	return len(s.view), nil
}

func (s *fakeSession) FetchHeader(ctx context.Context, n int) (*email.Header, error) {
	if err := s.do(ctx, "TOP", n); err != nil {
		return nil, err
	}
	if n < 1 || n > len(s.view) || s.deleted[n] {
		return nil, &email.ResponseError{Command: "TOP", Text: "no such message"}
	}
	return email.ParseHeader([]byte(s.view[n-1])), nil
}

func (s *fakeSession) Delete(ctx context.Context, n int) error {
	if err := s.do(ctx, "DELE", n); err != nil {
		return err
	}
	if n < 1 || n > len(s.view) || s.deleted[n] {
		return &email.ResponseError{Command: "DELE", Text: "no such message"}
	}
	s.deleted[n] = true
	return nil
}

func (s *fakeSession) Quit(ctx context.Context) error {
	if err := s.do(ctx, "QUIT", 0); err != nil {
		s.closed = true
		return err
	}
	s.closed = true

	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	kept := make([]string, 0, len(s.view))
	for i, msg := range s.view {
		if !s.deleted[i+1] {
			kept = append(kept, msg)
		}
	}
	s.mb.msgs = kept
	return nil
}

func (s *fakeSession) Close() error {
	s.mb.record(s.seq, "CLOSE", 0)
	s.closed = true
	return nil
}

// fakeMsg builds a header block.
func fakeMsg(from, subject, date string) string {
	return fmt.Sprintf("From: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n", from, subject, date)
}

type recorder struct {
	mu      sync.Mutex
	senders []string
}

func (r *recorder) Record(h *email.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders = append(r.senders, h.Sender())
	return nil
}

type captureReporter struct {
	progress []Progress
	kept     []string
	finished *Summary
}

func (r *captureReporter) Progress(p Progress) { r.progress = append(r.progress, p) }
func (r *captureReporter) Kept(p Progress, h *email.Header) {
	r.kept = append(r.kept, h.Summary())
}
func (r *captureReporter) Finish(sum *Summary) { r.finished = sum }
