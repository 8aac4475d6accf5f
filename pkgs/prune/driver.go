// Package prune walks a mailbox and deletes the messages selected by a
// rules.RuleSet.
//
// The walk is an explicit state machine driven one response at a time:
//
//	Disconnected → Connected → Authenticated → Listing
//	  → (FetchingHeader ⇄ Deciding ⇄ Deleting) → Quitting → Reconnecting | Terminated
//
// Deletions only become permanent when the server acknowledges QUIT. A
// session is cut short by the batch limit, by any protocol or transport
// failure, or by the idle watchdog; the next session resumes after the
// messages that were already evaluated and kept.
package prune

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/emx-mail/pop3prune/pkgs/email"
	"github.com/emx-mail/pop3prune/pkgs/metrics"
	"github.com/emx-mail/pop3prune/pkgs/rules"
)

var (
	// ErrListFailed is returned when the mailbox could not be listed before
	// any message was evaluated.
	ErrListFailed = errors.New("failed to list mailbox")
	// ErrIdleTimeout is the cancel cause of a session whose server went
	// silent for longer than the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrAuthFailed wraps login rejections.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTooManyRetries is returned when too many sessions in a row failed.
	ErrTooManyRetries = errors.New("too many failed sessions")
)

// Recorder keeps a record of deleted messages.
type Recorder interface {
	Record(h *email.Header) error
}

// Options configures a Driver.
type Options struct {
	Username string
	Password string

	// Descending walks from the last message to the first.
	Descending bool
	// Skip is the number of messages left alone at the head of the walk.
	Skip int
	// BatchSize caps deletions per session; 0 disables the cap.
	BatchSize int

	// Timeout is the idle timeout; 0 disables the watchdog.
	Timeout time.Duration
	// Cooldown is the pause before a voluntary reconnect and the initial
	// backoff after a failed session.
	Cooldown   time.Duration
	MaxBackoff time.Duration
	// MaxRetries bounds consecutive failed sessions; negative is unlimited.
	MaxRetries int
	// MaxAuthFailures bounds consecutive login rejections; 0 is unlimited.
	MaxAuthFailures int

	// DryRun evaluates every message but never deletes.
	DryRun bool

	Logger   *zap.SugaredLogger
	Reporter Reporter
	Ledger   Recorder
	Metrics  *metrics.Metrics
}

// Driver runs prune sessions against a mailbox until it has been walked
// completely.
type Driver struct {
	connector email.Connector
	rules     *rules.RuleSet
	opts      Options
	log       *zap.SugaredLogger
	reporter  Reporter

	// wait pauses between sessions.
	wait func(ctx context.Context, d time.Duration) error
}

// New returns a Driver. Nil Logger and Reporter are replaced with no-ops.
func New(connector email.Connector, rs *rules.RuleSet, opts Options) *Driver {
	d := &Driver{
		connector: connector,
		rules:     rs,
		opts:      opts,
		log:       opts.Logger,
		reporter:  opts.Reporter,
		wait:      sleep,
	}
	if d.log == nil {
		d.log = zap.NewNop().Sugar()
	}
	if d.reporter == nil {
		d.reporter = NopReporter{}
	}
	return d
}

// Summary describes a finished run.
type Summary struct {
	RunID  string
	DryRun bool
	Start  time.Time
	End    time.Time

	Sessions int
	Failures int
	// Evaluated counts header evaluations, including repeated ones after a
	// failed session.
	Evaluated int
	// Deleted counts committed deletions, or would-be deletions on a dry run.
	Deleted int
	// Kept counts messages that did not match, in committed sessions.
	Kept int

	Err error
}

// Line is a one-line summary.
func (s *Summary) Line() string {
	verb := "deleted"
	if s.DryRun {
		verb = "would delete"
	}
	line := fmt.Sprintf("%s %d, kept %d, %d session(s), %d failed, %s",
		verb, s.Deleted, s.Kept, s.Sessions, s.Failures, s.End.Sub(s.Start).Round(time.Millisecond))
	if s.Err != nil {
		line += ": " + s.Err.Error()
	}
	return line
}

// Text is the body of the report mail.
func (s *Summary) Text() string {
	status := "ok"
	if s.Err != nil {
		status = "error: " + s.Err.Error()
	}
	return fmt.Sprintf(`pop3prune run %s

Started:   %s
Finished:  %s
Dry run:   %t
Status:    %s

Sessions:  %d (%d failed)
Evaluated: %d
Deleted:   %d
Kept:      %d
`,
		s.RunID,
		s.Start.Format(time.RFC1123Z),
		s.End.Format(time.RFC1123Z),
		s.DryRun,
		status,
		s.Sessions, s.Failures,
		s.Evaluated,
		s.Deleted,
		s.Kept,
	)
}

// Run walks the mailbox. It returns once every message has been evaluated
// in a committed session, or with an error when the mailbox cannot be
// listed, retries are exhausted or ctx is canceled.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		RunID:  uuid.NewString(),
		DryRun: d.opts.DryRun,
		Start:  time.Now(),
	}

	err := d.run(ctx, sum)

	sum.End = time.Now()
	sum.Err = err
	d.opts.Metrics.Finish(sum.End, err)
	d.reporter.Finish(sum)
	if err != nil {
		d.log.Errorw("run failed", "run", sum.RunID, "error", err)
	} else {
		d.log.Infow("run complete", "run", sum.RunID, "deleted", sum.Deleted, "kept", sum.Kept, "sessions", sum.Sessions)
	}
	return sum, err
}

func (d *Driver) run(ctx context.Context, sum *Summary) error {
	log := d.log.With("run", sum.RunID)
	bo := &backoff.Backoff{
		Min:    d.opts.Cooldown,
		Max:    d.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	skip := d.opts.Skip
	failures, authFailures := 0, 0

	for seq := 1; ; seq++ {
		s := d.newSession(ctx, sum, seq, skip)
		s.log = log.With("session", seq)
		s.log.Debugw("session start", "skip", skip)

		for !s.state.final() {
			next, err := d.step(s.ctx, s)
			if err != nil && s.fatal == nil {
				s.fatal = err
			}
			if next != s.state {
				s.log.Debugw("transition", "from", s.state, "to", next)
			}
			s.state = next
		}

		sum.Sessions++
		d.opts.Metrics.Session(s.outcome())
		if s.committed {
			sum.Kept += s.kept
			sum.Deleted += s.marked
		}

		if s.fatal != nil {
			sum.Failures++
			return s.fatal
		}
		if s.state == StateTerminated {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		// Uncommitted deletions are rolled back by the server, so the
		// numbering is unchanged and only the base offset is known to be
		// evaluated.
		if s.committed {
			skip = s.baseSkip + s.skipped()
		} else {
			skip = s.baseSkip
		}

		if s.authenticated {
			authFailures = 0
		}

		var delay time.Duration
		if s.err == nil {
			failures = 0
			bo.Reset()
			delay = d.opts.Cooldown
			s.log.Infow("batch limit reached, reconnecting", "marked", s.marked, "skip", skip, "cooldown", delay)
		} else {
			sum.Failures++
			failures++
			if errors.Is(s.err, ErrAuthFailed) {
				authFailures++
				if d.opts.MaxAuthFailures > 0 && authFailures >= d.opts.MaxAuthFailures {
					return fmt.Errorf("giving up after %d login failure(s): %w", authFailures, s.err)
				}
			}
			if d.opts.MaxRetries >= 0 && failures > d.opts.MaxRetries {
				return fmt.Errorf("%w (%d in a row): %w", ErrTooManyRetries, failures, s.err)
			}
			delay = bo.Duration()
			s.log.Warnw("session failed, reconnecting", "error", s.err, "committed", s.committed, "skip", skip, "backoff", delay)
		}

		if err := d.wait(ctx, delay); err != nil {
			return err
		}
	}
}

type session struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	watchdog *watchdog
	log      *zap.SugaredLogger
	run      *Summary

	state State
	seq   int
	conn  email.Session

	cursor   int
	total    int
	marked   int
	kept     int
	baseSkip int
	header   *email.Header

	authenticated bool
	quitting      bool
	done          bool
	batch         bool
	committed     bool
	// dropped is set on a dry run, where marked messages stay in place.
	dropped bool

	// err ended the session early; fatal ends the run.
	err   error
	fatal error
}

func (d *Driver) newSession(ctx context.Context, sum *Summary, seq, skip int) *session {
	sctx, cancel := context.WithCancelCause(ctx)
	return &session{
		ctx:      sctx,
		cancel:   cancel,
		watchdog: newWatchdog(d.opts.Timeout, cancel),
		log:      d.log,
		run:      sum,
		state:    StateDisconnected,
		seq:      seq,
		baseSkip: skip,
		dropped:  d.opts.DryRun,
	}
}

// skipped is the number of messages this session left in place, which the
// next session steps over.
func (s *session) skipped() int {
	if s.dropped {
		return s.kept + s.marked
	}
	return s.kept
}

func (s *session) progress() Progress {
	return Progress{
		Seq:     s.seq,
		Cursor:  s.cursor,
		Total:   s.total,
		Marked:  s.marked,
		Skipped: s.baseSkip + s.skipped(),
	}
}

func (s *session) outcome() string {
	switch {
	case errors.Is(s.err, ErrIdleTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(s.err, ErrAuthFailed):
		return metrics.OutcomeAuthFailure
	case errors.Is(s.err, context.Canceled):
		return metrics.OutcomeCanceled
	case s.err != nil:
		return metrics.OutcomeFailure
	case s.batch:
		return metrics.OutcomeBatch
	default:
		return metrics.OutcomeComplete
	}
}

// usable reports whether QUIT can still be sent.
func (s *session) usable() bool {
	if s.conn == nil {
		return false
	}
	if s.ctx.Err() != nil {
		if s.err == nil {
			s.err = context.Cause(s.ctx)
		}
		return false
	}
	return s.err == nil || errors.Is(s.err, email.ErrProtocol)
}

func (s *session) teardown() {
	s.watchdog.Stop()
	s.cancel(nil)
}

// step performs the work of the current state and returns the next one. A
// non-nil error ends the run after the session has been torn down.
func (d *Driver) step(ctx context.Context, s *session) (State, error) {
	switch s.state {
	case StateDisconnected:
		start := time.Now()
		conn, err := d.connector.Connect(ctx)
		d.opts.Metrics.ObserveCommand("CONNECT", start)
		if err != nil {
			return d.abandon(s, fmt.Errorf("connect: %w", err)), nil
		}
		s.watchdog.Kick()
		s.conn = conn
		s.log.Debugw("connected")
		return StateConnected, nil

	case StateConnected:
		start := time.Now()
		err := s.conn.Login(ctx, d.opts.Username, d.opts.Password)
		d.opts.Metrics.ObserveCommand("LOGIN", start)
		if err != nil {
			if errors.Is(err, email.ErrProtocol) {
				err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
			}
			return d.abandon(s, fmt.Errorf("login: %w", err)), nil
		}
		s.watchdog.Kick()
		s.authenticated = true
		s.log.Debugw("authenticated", "user", d.opts.Username)
		return StateAuthenticated, nil

	case StateAuthenticated:
		start := time.Now()
		total, err := s.conn.Count(ctx)
		d.opts.Metrics.ObserveCommand("STAT", start)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrListFailed, err)
			if s.run.Evaluated == 0 {
				return d.abandon(s, err), err
			}
			return d.abandon(s, err), nil
		}
		s.watchdog.Kick()
		s.total = total
		s.log.Infow("STAT success", "total", total, "skip", s.baseSkip)
		return StateListing, nil

	case StateListing:
		if s.total == 0 {
			s.done = true
			return StateQuitting, nil
		}
		if d.opts.Descending {
			s.cursor = s.total + 1 - s.baseSkip
		} else {
			s.cursor = s.baseSkip
		}
		return d.advance(s), nil

	case StateFetchingHeader:
		start := time.Now()
		h, err := s.conn.FetchHeader(ctx, s.cursor)
		d.opts.Metrics.ObserveCommand("TOP", start)
		if err != nil {
			return d.abandon(s, fmt.Errorf("fetch header of message %d: %w", s.cursor, err)), nil
		}
		s.watchdog.Kick()
		s.header = h
		return StateDeciding, nil

	case StateDeciding:
		s.run.Evaluated++
		matched, reason := d.rules.Explain(s.header)
		if !matched {
			s.kept++
			d.opts.Metrics.Message(metrics.ActionKept)
			s.log.Debugw("keep", "msg", s.cursor, "reason", reason)
			d.reporter.Kept(s.progress(), s.header)
			d.reporter.Progress(s.progress())
			s.header = nil
			return d.advance(s), nil
		}
		s.log.Debugw("match", "msg", s.cursor, "reason", reason)
		if d.opts.DryRun {
			s.marked++
			d.opts.Metrics.Message(metrics.ActionWouldDelete)
			s.log.Infow("would delete", "msg", s.cursor, "summary", s.header.Summary())
			d.reporter.Progress(s.progress())
			s.header = nil
			return d.advance(s), nil
		}
		return StateDeleting, nil

	case StateDeleting:
		start := time.Now()
		err := s.conn.Delete(ctx, s.cursor)
		d.opts.Metrics.ObserveCommand("DELE", start)
		if err != nil {
			return d.abandon(s, fmt.Errorf("delete message %d: %w", s.cursor, err)), nil
		}
		s.watchdog.Kick()
		s.marked++
		d.opts.Metrics.Message(metrics.ActionDeleted)
		if d.opts.Ledger != nil {
			if err := d.opts.Ledger.Record(s.header); err != nil {
				s.log.Warnw("failed to write ledger", "msg", s.cursor, "error", err)
			}
		}
		d.reporter.Progress(s.progress())
		s.header = nil
		return d.advance(s), nil

	case StateQuitting:
		s.quitting = true
		defer s.teardown()

		if s.usable() {
			start := time.Now()
			err := s.conn.Quit(ctx)
			d.opts.Metrics.ObserveCommand("QUIT", start)
			if err == nil {
				s.committed = true
				s.log.Infow("QUIT success", "marked", s.marked, "kept", s.kept)
			} else {
				s.log.Warnw("QUIT failed", "error", err)
				s.conn.Close()
				if s.err == nil {
					s.err = fmt.Errorf("quit: %w", err)
				}
			}
		} else if s.conn != nil {
			s.conn.Close()
		}

		if s.fatal != nil || (s.done && s.committed) {
			return StateTerminated, nil
		}
		return StateReconnecting, nil
	}

	s.teardown()
	return StateTerminated, fmt.Errorf("step in unexpected state %s", s.state)
}

// advance moves the cursor one message in the walk direction.
func (d *Driver) advance(s *session) State {
	if d.opts.Descending {
		s.cursor--
	} else {
		s.cursor++
	}
	if s.cursor < 1 || s.cursor > s.total {
		s.done = true
		return StateQuitting
	}
	if d.opts.BatchSize > 0 && s.marked >= d.opts.BatchSize {
		s.batch = true
		return StateQuitting
	}
	return StateFetchingHeader
}

// abandon records the failure that ends the session.
func (d *Driver) abandon(s *session, err error) State {
	s.err = err
	s.log.Warnw("abandoning session", "state", s.state, "error", err)
	return StateQuitting
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
