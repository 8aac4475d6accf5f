package email

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrProtocol is wrapped by every negative server response. A session that
// failed with ErrProtocol still has a usable connection.
var ErrProtocol = errors.New("protocol error")

// ResponseError is a negative server response (-ERR, NO, BAD).
type ResponseError struct {
	Command string
	Text    string
}

func (e *ResponseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("%s rejected", e.Command)
	}
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Text)
}

func (e *ResponseError) Unwrap() error { return ErrProtocol }

// Connector opens new mailbox sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is one connection to a mailbox. Message numbers are 1-based and
// stable for the lifetime of the session; deletions are only committed by
// Quit.
type Session interface {
	// Login authenticates with the given credentials.
	Login(ctx context.Context, username, password string) error

	// Count returns the number of messages in the mailbox.
	Count(ctx context.Context) (int, error)

	// FetchHeader retrieves the header block of message n without its body.
	FetchHeader(ctx context.Context, n int) (*Header, error)

	// Delete marks message n for deletion.
	Delete(ctx context.Context, n int) error

	// Quit ends the session and commits pending deletions.
	Quit(ctx context.Context) error

	// Close drops the connection without committing anything.
	Close() error
}

// Header is the header block of a single message.
type Header struct {
	mail.Header

	// Raw holds the header block as received, terminated by an empty line.
	Raw []byte
}

// ParseHeader parses a raw RFC 5322 header block. Trailing body bytes are
// ignored. Lines that are not header fields are dropped; if the block still
// does not parse, the header is empty and Raw keeps what was received.
func ParseHeader(raw []byte) *Header {
	block := headerBlock(raw)
	th, err := readHeader(block)
	if err != nil {
		th, err = readHeader(cleanHeader(block))
		if err != nil {
			th = textproto.Header{}
		}
	}
	return &Header{
		Header: mail.Header{Header: gomessage.Header{Header: th}},
		Raw:    block,
	}
}

func readHeader(block []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
}

// cleanHeader keeps the well-formed fields of block with their continuation
// lines and terminates the result with an empty line.
func cleanHeader(block []byte) []byte {
	var out bytes.Buffer
	keep := false
	for _, line := range bytes.SplitAfter(block, []byte("\n")) {
		field := bytes.TrimRight(line, "\r\n")
		if len(field) == 0 {
			if len(line) > 0 {
				break
			}
			continue
		}
		if field[0] == ' ' || field[0] == '\t' {
			if keep {
				out.Write(field)
				out.WriteString("\r\n")
			}
			continue
		}
		keep = isField(field)
		if keep {
			out.Write(field)
			out.WriteString("\r\n")
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// isField reports whether line starts with a field name followed by a colon.
func isField(line []byte) bool {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

// Lookup returns the decoded value of the named header field. Field names are
// case-insensitive.
func (h *Header) Lookup(key string) (string, bool) {
	if !h.Has(key) {
		return "", false
	}
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key), true
	}
	return v, true
}

// Sent returns the parsed Date header.
func (h *Header) Sent() (time.Time, bool) {
	t, err := h.Date()
	if err != nil || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

// Sender returns the first From address, or the raw From value when it does
// not parse as an address list.
func (h *Header) Sender() string {
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	v, _ := h.Lookup("From")
	return v
}

// Summary returns a "from : subject" line for display.
func (h *Header) Summary() string {
	from, _ := h.Lookup("From")
	subject, _ := h.Subject()
	return fmt.Sprintf("%s : %s", from, subject)
}

func headerBlock(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2]
	}
	return raw
}

// Address represents an email address
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ParseAddress parses a single address such as "Ops <ops@example.com>".
func ParseAddress(s string) (Address, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{Name: a.Name, Email: a.Address}, nil
}
