package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emx-mail/pop3prune/pkgs/rules"
)

const validYAML = `
pop3:
  host: pop.example.com
  username: someone@example.com
  password: secret
  ssl: true
descending: true
skip: 3
batch_size: 25
timeout: 45s
delete_before: 2021-06-01
delete_rule:
  from: "^billing@"
  subject: "(?i)invoice"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, t.TempDir(), validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProtocolPOP3, cfg.Protocol)
	assert.Equal(t, "pop.example.com", cfg.POP3.Host)
	assert.Equal(t, 995, cfg.POP3.Port, "ssl implies port 995")
	assert.Equal(t, "user", cfg.POP3.Auth)
	assert.True(t, cfg.Descending)
	assert.Equal(t, 3, cfg.Skip)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, time.Second, cfg.Cooldown, "default cooldown")
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Len(t, cfg.DeleteRule, 2)

	cutoff, err := cfg.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, time.Local), cutoff)
}

func TestLoad_EmptyRuleRejected(t *testing.T) {
	tests := map[string]string{
		"absent": `
pop3: {host: h, username: u}
`,
		"empty": `
pop3: {host: h, username: u}
delete_rule: {}
`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), body))
			require.Error(t, err)
			assert.ErrorIs(t, err, rules.ErrEmptyRules)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg, err := Parse([]byte(`
protocol: smtp
skip: -1
batch_size: -2
timeout: 0s
delete_before: yesterday
delete_rule: {from: x}
logging: {format: xml}
report: {smtp: {host: ""}}
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"unknown protocol",
		"skip must not be negative",
		"batch_size must not be negative",
		"timeout must be positive",
		"delete_before",
		"logging.format",
		"report.smtp.host",
		"report.from",
		"report.to",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_SSLAndStartTLS(t *testing.T) {
	cfg, err := Parse([]byte(`
pop3: {host: h, username: u, ssl: true, starttls: true}
delete_rule: {from: x}
`))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestIMAPDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
protocol: IMAP
imap: {host: imap.example.com, username: u, ssl: true}
delete_rule: {from: x}
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ProtocolIMAP, cfg.Protocol)
	mb := cfg.Mailbox()
	assert.Equal(t, "imap.example.com", mb.Host)
	assert.Equal(t, 993, mb.Port)
	assert.Equal(t, "INBOX", mb.Folder)
}

func TestLoad_EnvOverridesPassword(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML+`
report:
  smtp: {host: smtp.example.com, username: r}
  from: pop3prune@example.com
  to: [ops@example.com]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte(EnvSMTPPassword+"=from-dotenv\n"), 0600))

	t.Setenv(EnvPassword, "from-env")
	// godotenv never overrides variables that are already set
	t.Cleanup(func() { os.Unsetenv(EnvSMTPPassword) })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.POP3.Password)
	require.NotNil(t, cfg.Report)
	assert.Equal(t, "from-dotenv", cfg.Report.SMTP.Password)
	assert.Equal(t, 587, cfg.Report.SMTP.Port)
	assert.Equal(t, "pop3prune report", cfg.Report.Subject)
}

func TestCutoffLayouts(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"2019-03-04", time.Date(2019, 3, 4, 0, 0, 0, 0, time.Local)},
		{"2019-03-04 10:20", time.Date(2019, 3, 4, 10, 20, 0, 0, time.Local)},
		{"2019-03-04T10:20:30Z", time.Date(2019, 3, 4, 10, 20, 30, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg := &Config{DeleteBefore: tt.in}
			got, err := cfg.Cutoff()
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	assert.Equal(t, "x.yml", ResolvePath("x.yml"))

	t.Setenv(EnvConfigPath, "/etc/pop3prune.yml")
	assert.Equal(t, "/etc/pop3prune.yml", ResolvePath(""))
	assert.Equal(t, "x.yml", ResolvePath("x.yml"))
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	require.NoError(t, SaveConfig(path, ExampleConfig(), false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pop3.example.com", cfg.POP3.Host)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "^billing@example\\.com", cfg.DeleteRule["from"])

	err = SaveConfig(path, ExampleConfig(), false)
	assert.Error(t, err, "existing file must not be overwritten")
	assert.NoError(t, SaveConfig(path, ExampleConfig(), true))
}

const flatYAML = `
host: pop.example.com
port: 110
user: someone@example.com
pass: secret
timeout: 30000
des: true
step: 50
skip: 10
deleteBefore: 2019-01-01
deleteRule:
  from: "^billing@"
`

func TestLoad_FlatKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), flatYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProtocolPOP3, cfg.Protocol)
	assert.Equal(t, "pop.example.com", cfg.POP3.Host)
	assert.Equal(t, 110, cfg.POP3.Port)
	assert.Equal(t, "someone@example.com", cfg.POP3.Username)
	assert.Equal(t, "secret", cfg.POP3.Password)
	assert.Equal(t, 30*time.Second, cfg.Timeout, "integer timeout is milliseconds")
	assert.True(t, cfg.Descending)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 10, cfg.Skip)
	assert.Equal(t, map[string]string{"from": "^billing@"}, cfg.DeleteRule)

	cutoff, err := cfg.Cutoff()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.Local), cutoff)
}

func TestParse_DurationTimeoutUnchanged(t *testing.T) {
	cfg, err := Parse([]byte("timeout: 45s\n"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Timeout)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Timeout, cfg.Timeout)
}
