package ledger

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emx-mail/pop3prune/pkgs/email"
)

func header(t *testing.T, raw string) *email.Header {
	t.Helper()
	return email.ParseHeader([]byte(raw))
}

func readEntries(t *testing.T, path string) []*email.Header {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []*email.Header
	r := mbox.NewReader(f)
	for {
		msg, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(msg)
		require.NoError(t, err)
		out = append(out, header(t, string(b)))
	}
	return out
}

func TestLedgerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted.mbox")
	l, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	deletedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return deletedAt }

	require.NoError(t, l.Record(header(t,
		"From: billing@example.com\r\nSubject: Invoice 1\r\nDate: Tue, 11 Feb 2025 09:30:00 +0100\r\n\r\n")))
	require.NoError(t, l.Record(header(t,
		"Subject: no sender\r\n\r\n")))
	require.NoError(t, l.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	subject, _ := entries[0].Lookup("Subject")
	assert.Equal(t, "Invoice 1", subject)
	stamp, ok := entries[0].Lookup("X-Pop3prune-Deleted")
	assert.True(t, ok)
	assert.Equal(t, deletedAt.Format(time.RFC1123Z), stamp)

	subject, _ = entries[1].Lookup("Subject")
	assert.Equal(t, "no sender", subject)
}

func TestLedgerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted.mbox")

	for _, subject := range []string{"first", "second"} {
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Record(header(t, "From: a@example.com\r\nSubject: "+subject+"\r\n\r\n")))
		require.NoError(t, l.Close())
	}

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	first, _ := entries[0].Lookup("Subject")
	second, _ := entries[1].Lookup("Subject")
	assert.Equal(t, "first", first)
	assert.Equal(t, "second", second)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLedgerOpenFails(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "deleted.mbox"))
	assert.Error(t, err)
}
