package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/emx-mail/pop3prune/pkgs/rules"
)

const (
	// EnvConfigPath points to the YAML config file when --config is not given.
	EnvConfigPath = "POP3PRUNE_CONFIG"
	// EnvPassword overrides the mailbox password.
	EnvPassword = "POP3PRUNE_PASSWORD"
	// EnvSMTPPassword overrides the report SMTP password.
	EnvSMTPPassword = "POP3PRUNE_SMTP_PASSWORD"

	// DefaultPath is used when neither the flag nor EnvConfigPath is set.
	DefaultPath = "config.yml"
)

// Mailbox protocols.
const (
	ProtocolPOP3 = "pop3"
	ProtocolIMAP = "imap"
)

// ProtocolSettings holds connection settings common to POP3, IMAP and SMTP.
type ProtocolSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username"`
	Password string `yaml:"password,omitempty"`

	// SSL enables implicit TLS (connect directly over TLS).
	SSL bool `yaml:"ssl"`
	// StartTLS enables a TLS upgrade after connecting in plaintext.
	StartTLS           bool `yaml:"starttls,omitempty"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// Auth is the POP3 login mechanism: "user" (USER/PASS) or "plain".
	Auth string `yaml:"auth,omitempty"`
	// Folder is the IMAP mailbox to prune, default "INBOX".
	Folder string `yaml:"folder,omitempty"`
}

// LoggingConfig selects the log level, encoding and destination.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // console or json
	Output string `yaml:"output,omitempty"` // stderr, stdout or a file path
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// ReportConfig describes the summary mail sent after a run.
type ReportConfig struct {
	SMTP    ProtocolSettings `yaml:"smtp"`
	From    string           `yaml:"from"`
	To      []string         `yaml:"to"`
	Subject string           `yaml:"subject,omitempty"`
	// OnlyOnError suppresses the report for clean runs.
	OnlyOnError bool `yaml:"only_on_error,omitempty"`
}

// Config holds the application configuration
type Config struct {
	Protocol string           `yaml:"protocol"`
	POP3     ProtocolSettings `yaml:"pop3"`
	IMAP     ProtocolSettings `yaml:"imap,omitempty"`

	// Descending walks the mailbox from the last message to the first.
	Descending bool `yaml:"descending"`
	// Skip is the number of messages to leave alone at the head of the walk.
	Skip int `yaml:"skip"`
	// BatchSize caps deletions per session; 0 means unlimited.
	BatchSize int `yaml:"batch_size"`

	Timeout         time.Duration `yaml:"timeout"`
	Cooldown        time.Duration `yaml:"cooldown"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxAuthFailures int           `yaml:"max_auth_failures"`

	// DeleteBefore is the cutoff date; empty disables the date check.
	DeleteBefore string            `yaml:"delete_before,omitempty"`
	DeleteRule   map[string]string `yaml:"delete_rule"`

	DryRun bool   `yaml:"dry_run,omitempty"`
	Ledger string `yaml:"ledger,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Report  *ReportConfig `yaml:"report,omitempty"`
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Protocol:        ProtocolPOP3,
		BatchSize:       100,
		Timeout:         30 * time.Second,
		Cooldown:        time.Second,
		MaxBackoff:      time.Minute,
		MaxRetries:      5,
		MaxAuthFailures: 3,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// ResolvePath picks the config path: explicit flag, then EnvConfigPath,
// then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates the YAML file at path. A .env file next to it is
// loaded first so that secrets can stay out of the config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default without validating. The flat keys of
// older config files are accepted as well, see legacyConfig.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if len(doc.Content) > 0 {
		root := doc.Content[0]
		millisecondTimeout(root)
		if err := root.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		var old legacyConfig
		if err := root.Decode(&old); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		old.apply(cfg)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// legacyConfig holds the flat keys of older pop3prune config files. When
// present they override the nested keys they stand for.
type legacyConfig struct {
	Host         *string           `yaml:"host"`
	Port         *int              `yaml:"port"`
	User         *string           `yaml:"user"`
	Pass         *string           `yaml:"pass"`
	Des          *bool             `yaml:"des"`
	Step         *int              `yaml:"step"`
	DeleteBefore *string           `yaml:"deleteBefore"`
	DeleteRule   map[string]string `yaml:"deleteRule"`
}

func (l *legacyConfig) apply(c *Config) {
	if l.Host != nil {
		c.POP3.Host = *l.Host
	}
	if l.Port != nil {
		c.POP3.Port = *l.Port
	}
	if l.User != nil {
		c.POP3.Username = *l.User
	}
	if l.Pass != nil {
		c.POP3.Password = *l.Pass
	}
	if l.Des != nil {
		c.Descending = *l.Des
	}
	if l.Step != nil {
		c.BatchSize = *l.Step
	}
	if l.DeleteBefore != nil {
		c.DeleteBefore = *l.DeleteBefore
	}
	if l.DeleteRule != nil {
		c.DeleteRule = l.DeleteRule
	}
}

// millisecondTimeout rewrites a bare integer timeout, which older files give
// in milliseconds, into a duration string.
func millisecondTimeout(root *yaml.Node) {
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Value == "timeout" && val.Kind == yaml.ScalarNode && val.ShortTag() == "!!int" {
			val.Value += "ms"
			val.Tag = "!!str"
		}
	}
}

// ApplyEnv lets environment variables override secrets.
func (c *Config) ApplyEnv() {
	if pw, ok := os.LookupEnv(EnvPassword); ok {
		c.Mailbox().Password = pw
	}
	if pw, ok := os.LookupEnv(EnvSMTPPassword); ok && c.Report != nil {
		c.Report.SMTP.Password = pw
	}
}

func (c *Config) applyDefaults() {
	c.Protocol = strings.ToLower(strings.TrimSpace(c.Protocol))
	if c.Protocol == "" {
		c.Protocol = ProtocolPOP3
	}
	if c.POP3.Port == 0 {
		c.POP3.Port = 110
		if c.POP3.SSL {
			c.POP3.Port = 995
		}
	}
	if c.POP3.Auth == "" {
		c.POP3.Auth = "user"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 143
		if c.IMAP.SSL {
			c.IMAP.Port = 993
		}
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = "INBOX"
	}
	if c.Report != nil {
		if c.Report.SMTP.Port == 0 {
			c.Report.SMTP.Port = 587
			if c.Report.SMTP.SSL {
				c.Report.SMTP.Port = 465
			}
		}
		if c.Report.Subject == "" {
			c.Report.Subject = "pop3prune report"
		}
	}
}

// Mailbox returns the settings of the selected protocol.
func (c *Config) Mailbox() *ProtocolSettings {
	if c.Protocol == ProtocolIMAP {
		return &c.IMAP
	}
	return &c.POP3
}

var cutoffLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Cutoff parses DeleteBefore. Dates without a zone are taken as local time.
func (c *Config) Cutoff() (time.Time, error) {
	s := strings.TrimSpace(c.DeleteBefore)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range cutoffLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("delete_before: cannot parse %q (want RFC 3339 or YYYY-MM-DD)", s)
}

// RuleSet compiles the cutoff and the delete rule.
func (c *Config) RuleSet() (*rules.RuleSet, error) {
	cutoff, err := c.Cutoff()
	if err != nil {
		return nil, err
	}
	return rules.Compile(cutoff, c.DeleteRule)
}

// Validate validates the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	switch c.Protocol {
	case ProtocolPOP3, ProtocolIMAP:
	default:
		add("protocol: unknown protocol %q (want pop3 or imap)", c.Protocol)
	}

	mb := c.Mailbox()
	if mb.Host == "" {
		add("%s.host is required", c.Protocol)
	}
	if mb.Username == "" {
		add("%s.username is required", c.Protocol)
	}
	if mb.Port <= 0 || mb.Port > 65535 {
		add("%s.port: invalid port %d", c.Protocol, mb.Port)
	}
	if mb.SSL && mb.StartTLS {
		add("%s: ssl and starttls are mutually exclusive", c.Protocol)
	}
	if c.Protocol == ProtocolPOP3 {
		switch strings.ToLower(c.POP3.Auth) {
		case "user", "plain":
		default:
			add("pop3.auth: unknown mechanism %q (want user or plain)", c.POP3.Auth)
		}
	}

	if c.Skip < 0 {
		add("skip must not be negative")
	}
	if c.BatchSize < 0 {
		add("batch_size must not be negative")
	}
	if c.Timeout <= 0 {
		add("timeout must be positive")
	}
	if c.Cooldown < 0 {
		add("cooldown must not be negative")
	}
	if c.MaxBackoff < c.Cooldown {
		add("max_backoff must be at least cooldown")
	}
	if c.MaxAuthFailures <= 0 {
		add("max_auth_failures must be positive")
	}

	if _, err := c.RuleSet(); err != nil {
		result = multierror.Append(result, err)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		add("logging.format: unknown format %q", c.Logging.Format)
	}

	if r := c.Report; r != nil {
		if r.SMTP.Host == "" {
			add("report.smtp.host is required")
		}
		if r.From == "" {
			add("report.from is required")
		}
		if len(r.To) == 0 {
			add("report.to needs at least one recipient")
		}
	}

	return result.ErrorOrNil()
}

// ExampleConfig returns an example configuration for "init".
func ExampleConfig() *Config {
	cfg := Default()
	cfg.POP3 = ProtocolSettings{
		Host:     "pop3.example.com",
		Port:     995,
		Username: "user@example.com",
		SSL:      true,
		Auth:     "user",
	}
	cfg.DeleteBefore = "2020-01-01"
	cfg.DeleteRule = map[string]string{
		"from": "^billing@example\\.com",
	}
	cfg.Ledger = "deleted.mbox"
	return cfg
}

// SaveConfig writes cfg as YAML. Existing files are left alone unless
// overwrite is set.
func SaveConfig(path string, cfg *Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
