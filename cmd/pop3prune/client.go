package main

import (
	"crypto/tls"

	"github.com/emx-mail/pop3prune/pkgs/config"
	"github.com/emx-mail/pop3prune/pkgs/email"
)

func tlsConfig(s config.ProtocolSettings) *tls.Config {
	if !s.InsecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}

func newPOP3Client(s config.ProtocolSettings) *email.POP3Client {
	return email.NewPOP3Client(email.POP3Config{
		Host:      s.Host,
		Port:      s.Port,
		SSL:       s.SSL,
		StartTLS:  s.StartTLS,
		Auth:      s.Auth,
		TLSConfig: tlsConfig(s),
	})
}

func newIMAPClient(s config.ProtocolSettings) *email.IMAPClient {
	return email.NewIMAPClient(email.IMAPConfig{
		Host:      s.Host,
		Port:      s.Port,
		SSL:       s.SSL,
		StartTLS:  s.StartTLS,
		Folder:    s.Folder,
		TLSConfig: tlsConfig(s),
	})
}

func newSMTPClient(s config.ProtocolSettings) *email.SMTPClient {
	cfg := email.SMTPConfig{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		SSL:      s.SSL,
		StartTLS: s.StartTLS,
	}
	if s.InsecureSkipVerify {
		cfg.TLSConfig = &tls.Config{ServerName: s.Host, InsecureSkipVerify: true}
	}
	return email.NewSMTPClient(cfg)
}

// newConnector returns the client for the configured protocol.
func newConnector(cfg *config.Config) email.Connector {
	if cfg.Protocol == config.ProtocolIMAP {
		return newIMAPClient(cfg.IMAP)
	}
	return newPOP3Client(cfg.POP3)
}
