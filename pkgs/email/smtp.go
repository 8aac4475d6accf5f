package email

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPClient sends plain-text notices such as run reports.
type SMTPClient struct {
	config SMTPConfig
}

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	SSL       bool
	StartTLS  bool
	TLSConfig *tls.Config
}

// SendOptions represents options for sending an email
type SendOptions struct {
	From     Address
	To       []Address
	Subject  string
	TextBody string
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(config SMTPConfig) *SMTPClient {
	return &SMTPClient{
		config: config,
	}
}

// connect establishes a connection to the SMTP server
func (c *SMTPClient) connect() (*smtp.Client, error) {
	var dialFn func(addr string, tlsConfig *tls.Config) (*smtp.Client, error)

	tlsCfg := c.config.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{ServerName: c.config.Host}
	}

	if c.config.SSL {
		dialFn = smtp.DialTLS
	} else if c.config.StartTLS {
		dialFn = smtp.DialStartTLS
	} else {
		dialFn = func(addr string, tlsConfig *tls.Config) (*smtp.Client, error) {
			return smtp.Dial(addr)
		}
	}

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	client, err := dialFn(addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	if c.config.Password != "" {
		auth := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	return client, nil
}

// Send sends an email
func (c *SMTPClient) Send(opts SendOptions) error {
	if len(opts.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg, err := buildMessage(opts)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	recipients := make([]string, 0, len(opts.To))
	for _, addr := range opts.To {
		recipients = append(recipients, addr.Email)
	}

	if err := client.SendMail(opts.From.Email, recipients, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return client.Quit()
}

// buildMessage builds a single-part text/plain message.
func buildMessage(opts SendOptions) (*bytes.Buffer, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(opts.Subject)
	header.SetAddressList("From", []*mail.Address{{
		Name:    opts.From.Name,
		Address: opts.From.Email,
	}})

	toAddrs := make([]*mail.Address, len(opts.To))
	for i, addr := range opts.To {
		toAddrs[i] = &mail.Address{
			Name:    addr.Name,
			Address: addr.Email,
		}
	}
	header.SetAddressList("To", toAddrs)
	header.Set("Message-Id", GenerateMessageID(opts.From.Email))
	header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(opts.TextBody)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return &buf, nil
}

// GenerateMessageID produces a RFC 5322 compliant Message-ID using the
// domain extracted from the sender's email address.
func GenerateMessageID(fromEmail string) string {
	domain := "localhost"
	if idx := strings.Index(fromEmail, "@"); idx >= 0 {
		domain = fromEmail[idx+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
