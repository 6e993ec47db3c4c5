package secrets

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSetGet(t *testing.T) {
	s := newStore(t)

	_, err := s.Get("tinkoff_token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("tinkoff_token", "t.abc"))
	v, err := s.Get("tinkoff_token")
	require.NoError(t, err)
	assert.Equal(t, "t.abc", v)

	require.NoError(t, s.Delete("tinkoff_token"))
	_, err = s.Get("tinkoff_token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedStoreOnDisk(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)

	dir := t.TempDir()
	s, err := Open(dir, key)
	require.NoError(t, err)
	require.NoError(t, s.Set("broker", `{"login":"42","password":"pw","server":"demo"}`))
	require.NoError(t, s.Close())

	s, err = Open(dir, key)
	require.NoError(t, err)
	defer s.Close()

	creds, err := NewResolver(s, "RLTRADER_").Credentials("broker")
	require.NoError(t, err)
	assert.Equal(t, "42", creds.Login)
	assert.Equal(t, "demo", creds.Server)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	assert.NoError(t, err)
	assert.Nil(t, k)

	k, err = ParseKey("0x" + strings.Repeat("01", 32))
	require.NoError(t, err)
	assert.Len(t, k, 32)

	k, err = ParseKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
	_, err = ParseKey("%%%")
	assert.Error(t, err)
}

func TestResolverFallsBackToEnv(t *testing.T) {
	r := NewResolver(newStore(t), "RLTRADER_")
	r.getenv = func(name string) string {
		if name == "RLTRADER_TELEGRAM_BOT_TOKEN" {
			return " 123:abc "
		}
		return ""
	}

	v, err := r.Lookup("telegram_bot_token")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", v)

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolverWithoutStore(t *testing.T) {
	r := NewResolver(nil, "X_")
	r.getenv = func(string) string { return "tok" }
	creds, err := r.Credentials("tinkoff_token")
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Token)
}

func TestParseCredentials(t *testing.T) {
	_, err := parseCredentials(`{"login":`)
	assert.Error(t, err)

	_, err = parseCredentials(`{"server":"x"}`)
	assert.Error(t, err)

	creds, err := parseCredentials(`{"token":"t.1"}`)
	require.NoError(t, err)
	assert.Equal(t, "t.1", creds.Token)
}

func TestCredentialsAreRedactedInLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	creds := Credentials{Login: "trader42", Password: "hunter2", Token: "t.secret"}

	log.Info("resolved", "creds", creds)
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "t.secret")
	assert.NotContains(t, out, "trader42")
	assert.NotContains(t, creds.String(), "hunter2")
}

func TestLoadEnvFile(t *testing.T) {
	assert.NoError(t, LoadEnvFile(""))
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RLTRADER_TEST_ENV_FILE=loaded\n"), 0o600))
	t.Setenv("RLTRADER_TEST_ENV_FILE", "")
	require.NoError(t, os.Unsetenv("RLTRADER_TEST_ENV_FILE"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("RLTRADER_TEST_ENV_FILE"))
}
