package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPClient dials IMAP sessions that behave like POP3 ones: messages are
// addressed by sequence number and deletions are expunged on Quit.
type IMAPClient struct {
	config IMAPConfig
}

// IMAPConfig holds IMAP configuration
type IMAPConfig struct {
	Host      string
	Port      int
	SSL       bool
	StartTLS  bool
	Folder    string
	TLSConfig *tls.Config
}

// NewIMAPClient creates a new IMAP client
func NewIMAPClient(config IMAPConfig) *IMAPClient {
	if config.Folder == "" {
		config.Folder = "INBOX"
	}
	return &IMAPClient{
		config: config,
	}
}

// Connect establishes a connection to the IMAP server
func (c *IMAPClient) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	opts := &imapclient.Options{TLSConfig: c.tlsConfig()}

	type dialResult struct {
		client *imapclient.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		var client *imapclient.Client
		var err error
		if c.config.SSL {
			client, err = imapclient.DialTLS(addr, opts)
		} else if c.config.StartTLS {
			client, err = imapclient.DialStartTLS(addr, opts)
		} else {
			client, err = imapclient.DialInsecure(addr, opts)
		}
		done <- dialResult{client, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, res.err)
		}
		return &imapSession{client: res.client, folder: c.config.Folder}, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, context.Cause(ctx)
	}
}

func (c *IMAPClient) tlsConfig() *tls.Config {
	if c.config.TLSConfig != nil {
		return c.config.TLSConfig.Clone()
	}
	return &tls.Config{ServerName: c.config.Host}
}

// imapSession adapts an imapclient.Client to Session.
type imapSession struct {
	client *imapclient.Client
	folder string
}

// guard closes the client when ctx is done so that a pending command
// returns.
func (s *imapSession) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { s.client.Close() })
}

// wrap converts IMAP NO/BAD replies into ResponseErrors.
func (s *imapSession) wrap(ctx context.Context, cmd string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &ResponseError{Command: "IMAP " + cmd, Text: imapErr.Text}
	}
	return fmt.Errorf("IMAP %s: %w", cmd, err)
}

func (s *imapSession) Login(ctx context.Context, username, password string) error {
	stop := s.guard(ctx)
	defer stop()
	return s.wrap(ctx, "LOGIN", s.client.Login(username, password).Wait())
}

// Count selects the folder and returns its message count.
func (s *imapSession) Count(ctx context.Context) (int, error) {
	stop := s.guard(ctx)
	defer stop()

	data, err := s.client.Select(s.folder, nil).Wait()
	if err != nil {
		return 0, s.wrap(ctx, "SELECT", err)
	}
	return int(data.NumMessages), nil
}

// FetchHeader fetches BODY.PEEK[HEADER] so the \Seen flag is left alone.
func (s *imapSession) FetchHeader(ctx context.Context, n int) (*Header, error) {
	stop := s.guard(ctx)
	defer stop()

	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	msgs, err := s.client.Fetch(imap.SeqSetNum(uint32(n)), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, s.wrap(ctx, "FETCH", err)
	}
	if len(msgs) == 0 {
		return nil, &ResponseError{Command: "IMAP FETCH", Text: fmt.Sprintf("message %d not found", n)}
	}

	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, &ResponseError{Command: "IMAP FETCH", Text: fmt.Sprintf("no header returned for message %d", n)}
	}
	return ParseHeader(raw), nil
}

// Delete flags the message \Deleted.
func (s *imapSession) Delete(ctx context.Context, n int) error {
	stop := s.guard(ctx)
	defer stop()

	_, err := s.client.Store(imap.SeqSetNum(uint32(n)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Collect()
	return s.wrap(ctx, "STORE", err)
}

// Quit expunges flagged messages with CLOSE and logs out.
func (s *imapSession) Quit(ctx context.Context) error {
	stop := s.guard(ctx)
	defer stop()
	defer s.client.Close()

	if err := s.client.UnselectAndExpunge().Wait(); err != nil {
		return s.wrap(ctx, "CLOSE", err)
	}
	return s.wrap(ctx, "LOGOUT", s.client.Logout().Wait())
}

// Close drops the connection. Messages already flagged \Deleted stay flagged
// until the next expunge.
func (s *imapSession) Close() error {
	return s.client.Close()
}
