package email

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// POP3 authentication mechanisms.
const (
	AuthUserPass = "user"
	AuthPlain    = "plain"
)

// POP3Client dials POP3 sessions.
type POP3Client struct {
	config POP3Config
}

// POP3Config holds POP3 configuration
type POP3Config struct {
	Host     string
	Port     int
	SSL      bool
	StartTLS bool
	// Auth selects USER/PASS ("user", the default) or SASL PLAIN ("plain").
	Auth        string
	DialTimeout time.Duration
	TLSConfig   *tls.Config
}

// NewPOP3Client creates a new POP3 client
func NewPOP3Client(config POP3Config) *POP3Client {
	return &POP3Client{config: config}
}

// Connect dials the server and reads its greeting. With StartTLS set the
// connection is upgraded with STLS before it is returned.
func (c *POP3Client) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))

	timeout := c.config.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("POP3 connection to %s failed: %w", addr, err)
	}

	if c.config.SSL {
		tlsConn := tls.Client(netConn, c.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("POP3 TLS handshake with %s failed: %w", addr, err)
		}
		netConn = tlsConn
	}

	conn := newPOP3Conn(netConn, c.config.Auth)

	if _, err := conn.greeting(ctx); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("POP3 greeting failed: %w", err)
	}

	if c.config.StartTLS && !c.config.SSL {
		if err := conn.startTLS(ctx, c.tlsConfig()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("POP3 STLS failed: %w", err)
		}
	}

	return conn, nil
}

func (c *POP3Client) tlsConfig() *tls.Config {
	if c.config.TLSConfig != nil {
		cfg := c.config.TLSConfig.Clone()
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			cfg.ServerName = c.config.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: c.config.Host}
}

// ---------- low-level POP3 protocol ----------

var (
	pop3LineBreak   = []byte("\r\n")
	pop3RespOK      = []byte("+OK")
	pop3RespOKInfo  = []byte("+OK ")
	pop3RespErr     = []byte("-ERR")
	pop3RespErrInfo = []byte("-ERR ")
	pop3RespCont    = []byte("+ ")
)

// pop3Conn is a raw POP3 connection.
type pop3Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	auth string
}

func newPOP3Conn(conn net.Conn, auth string) *pop3Conn {
	return &pop3Conn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		auth: auth,
	}
}

// guard closes the connection when ctx is done so that a blocked read or
// write returns. The returned func releases the guard.
func (c *pop3Conn) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { c.conn.Close() })
}

// failed prefers the context cause over the I/O error it provoked.
func failed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// send writes a POP3 command line.
func (c *pop3Conn) send(s string) error {
	if _, err := c.w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// cmd sends a command and reads the response.
// If isMulti is true, it reads until the "." terminator.
func (c *pop3Conn) cmd(ctx context.Context, cmd string, isMulti bool, args ...interface{}) (*bytes.Buffer, error) {
	stop := c.guard(ctx)
	defer stop()

	cmdLine := cmd
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprintf("%v", a)
		}
		cmdLine = cmd + " " + strings.Join(parts, " ")
	}

	if err := c.send(cmdLine); err != nil {
		return nil, failed(ctx, err)
	}

	b, err := c.readOne(cmd)
	if err != nil {
		return nil, failed(ctx, err)
	}

	if !isMulti {
		return bytes.NewBuffer(b), nil
	}

	buf, err := c.readAll()
	if err != nil {
		return nil, failed(ctx, err)
	}
	return buf, nil
}

// greeting reads the server banner.
func (c *pop3Conn) greeting(ctx context.Context) ([]byte, error) {
	stop := c.guard(ctx)
	defer stop()

	b, err := c.readOne("greeting")
	if err != nil {
		return nil, failed(ctx, err)
	}
	return b, nil
}

// readOne reads a single-line response and checks +OK/-ERR.
func (c *pop3Conn) readOne(cmd string) ([]byte, error) {
	b, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return parsePOP3Resp(cmd, b)
}

func (c *pop3Conn) readLine() ([]byte, error) {
	b, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(b, "\r\n"), nil
}

// readAll reads lines until the POP3 multiline terminator ".".
func (c *pop3Conn) readAll() (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	for {
		b, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(b, []byte(".")) {
			break
		}
		// Byte-stuff: lines starting with "." have the leading dot removed
		if bytes.HasPrefix(b, []byte("..")) {
			b = b[1:]
		}
		buf.Write(b)
		buf.Write(pop3LineBreak)
	}
	return buf, nil
}

// startTLS upgrades the connection with STLS (RFC 2595).
func (c *pop3Conn) startTLS(ctx context.Context, cfg *tls.Config) error {
	if _, err := c.cmd(ctx, "STLS", false); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	return nil
}

// Login authenticates with USER/PASS, or with AUTH PLAIN when configured.
func (c *pop3Conn) Login(ctx context.Context, username, password string) error {
	if strings.EqualFold(c.auth, AuthPlain) {
		return c.authenticate(ctx, sasl.NewPlainClient("", username, password))
	}
	if _, err := c.cmd(ctx, "USER", false, username); err != nil {
		return err
	}
	_, err := c.cmd(ctx, "PASS", false, password)
	return err
}

// authenticate runs a SASL exchange (RFC 5034).
func (c *pop3Conn) authenticate(ctx context.Context, client sasl.Client) error {
	stop := c.guard(ctx)
	defer stop()

	mech, ir, err := client.Start()
	if err != nil {
		return err
	}

	line := "AUTH " + mech
	if ir != nil {
		line += " " + encodeSASL(ir)
	}
	if err := c.send(line); err != nil {
		return failed(ctx, err)
	}

	for {
		b, err := c.readLine()
		if err != nil {
			return failed(ctx, err)
		}
		if !bytes.HasPrefix(b, pop3RespCont) {
			_, err := parsePOP3Resp("AUTH", b)
			return err
		}

		challenge, err := base64.StdEncoding.DecodeString(string(bytes.TrimPrefix(b, pop3RespCont)))
		if err != nil {
			c.send("*")
			return fmt.Errorf("POP3 AUTH: malformed challenge: %w", err)
		}
		resp, err := client.Next(challenge)
		if err != nil {
			c.send("*")
			return err
		}
		if err := c.send(encodeSASL(resp)); err != nil {
			return failed(ctx, err)
		}
	}
}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

// Count returns the message count reported by STAT.
func (c *pop3Conn) Count(ctx context.Context) (int, error) {
	count, _, err := c.stat(ctx)
	return count, err
}

// stat returns message count and total size.
func (c *pop3Conn) stat(ctx context.Context) (count, size int, err error) {
	b, err := c.cmd(ctx, "STAT", false)
	if err != nil {
		return 0, 0, err
	}
	f := bytes.Fields(b.Bytes())
	if len(f) < 2 {
		return 0, 0, fmt.Errorf("POP3 STAT: malformed response %q", b.String())
	}
	if count, err = strconv.Atoi(string(f[0])); err != nil {
		return 0, 0, fmt.Errorf("POP3 STAT: malformed count: %w", err)
	}
	size, _ = strconv.Atoi(string(f[1]))
	return count, size, nil
}

// FetchHeader issues TOP n 0 and parses the returned header block.
func (c *pop3Conn) FetchHeader(ctx context.Context, n int) (*Header, error) {
	b, err := c.cmd(ctx, "TOP", true, n, 0)
	if err != nil {
		return nil, err
	}
	return ParseHeader(b.Bytes()), nil
}

// Delete marks a message for deletion.
func (c *pop3Conn) Delete(ctx context.Context, n int) error {
	_, err := c.cmd(ctx, "DELE", false, n)
	return err
}

// Quit sends QUIT, which commits deletions, and closes the connection.
// Deletions are committed once +OK arrives, so errors from closing the
// connection afterwards are ignored.
func (c *pop3Conn) Quit(ctx context.Context) error {
	_, err := c.cmd(ctx, "QUIT", false)
	c.conn.Close()
	return err
}

// Close drops the connection without QUIT so nothing is committed.
func (c *pop3Conn) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ---------- response parsing ----------

func parsePOP3Resp(cmd string, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("POP3 %s: empty response", cmd)
	}
	if bytes.Equal(b, pop3RespOK) {
		return nil, nil
	}
	if bytes.HasPrefix(b, pop3RespOKInfo) {
		return bytes.TrimPrefix(b, pop3RespOKInfo), nil
	}
	if bytes.Equal(b, pop3RespErr) {
		return nil, &ResponseError{Command: "POP3 " + cmd}
	}
	if bytes.HasPrefix(b, pop3RespErrInfo) {
		return nil, &ResponseError{Command: "POP3 " + cmd, Text: string(bytes.TrimPrefix(b, pop3RespErrInfo))}
	}
	return nil, fmt.Errorf("POP3 %s: unexpected response: %s", cmd, string(b))
}
