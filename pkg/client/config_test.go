package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquet-sync/croquet-go/pkg/subscription"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := `
url: http://example.test:8080/croquet
datatypes: [listing, user]
user: user/1
send_interval: 20ms
reconnect:
  initial: 500ms
  max: 30s
error_reports:
  burst: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test:8080/croquet", cfg.URL)
	assert.Equal(t, []string{"listing", "user"}, cfg.Datatypes)
	assert.Equal(t, "user/1", cfg.User)
	assert.Equal(t, 20*time.Millisecond, cfg.SendInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.Initial)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Max)
	assert.Equal(t, 10, cfg.ErrorReports.Burst)

	// Unset values keep their defaults.
	assert.Equal(t, subscription.DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, 1.0, cfg.ErrorReports.PerSecond)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("send_interval: soon\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.URL = "https://sync.example.test"
	assert.NoError(t, cfg.Validate())

	cfg.ErrorReports.Burst = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestAuthConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "https://sync.example.test"
	cfg.Auth.Password = "secret"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	path := filepath.Join(t.TempDir(), "creds.yaml")
	a := AuthConfig{Email: "ann@example.com", Password: "secret", CredentialsFile: path}
	store, err := a.store()
	require.NoError(t, err)
	creds, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", creds.Email)

	// Without a configured login the file's credentials are used as they are.
	store, err = AuthConfig{CredentialsFile: path}.store()
	require.NoError(t, err)
	creds, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", creds.Password)
}
