package client

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/croquet-sync/croquet-go/pkg/auth"
	"github.com/croquet-sync/croquet-go/pkg/connection"
	"github.com/croquet-sync/croquet-go/pkg/rpc"
	"github.com/croquet-sync/croquet-go/pkg/subscription"
	"github.com/croquet-sync/croquet-go/pkg/transport"
)

// ErrInvalidConfig is returned for configurations that cannot work.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config configures a Client. Durations in YAML use Go syntax ("50ms").
type Config struct {
	// URL is the server root the /xhr endpoints live under,
	// e.g. "http://localhost:8080/croquet".
	URL string `yaml:"url"`

	// Datatypes lists the model types the store accepts. Empty allows all.
	Datatypes []string `yaml:"datatypes"`

	// User is the own user id when the client does not log in; presence
	// changes are also raised on it. A login replaces it.
	User string `yaml:"user"`

	// Auth holds the login used on every session.
	Auth AuthConfig `yaml:"auth"`

	// SendInterval is the transport's batching tick.
	SendInterval time.Duration `yaml:"send_interval"`

	// PollRetryDelay is the wait before reissuing a failed poll.
	PollRetryDelay time.Duration `yaml:"poll_retry_delay"`

	// DisconnectTimeout bounds the best-effort disconnect exchange.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`

	// WaitThreshold is how long a request may be outstanding before the
	// client reports that it is waiting.
	WaitThreshold time.Duration `yaml:"wait_threshold"`

	// GracePeriod is how long an unused subscription is kept.
	GracePeriod time.Duration `yaml:"grace_period"`

	// Reconnect configures the delay between reconnection attempts.
	Reconnect BackoffConfig `yaml:"reconnect"`

	// ErrorReports throttles RecordError.
	ErrorReports RateConfig `yaml:"error_reports"`

	// ProtocolLog is the path of a CBOR protocol capture. Empty disables it.
	ProtocolLog string `yaml:"protocol_log"`
}

// BackoffConfig configures reconnection timing.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// AuthConfig configures the login.
type AuthConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// CredentialsFile keeps the credentials between runs. Empty keeps them
	// in memory.
	CredentialsFile string `yaml:"credentials_file"`
}

// store returns the credential store, seeded with the configured login.
func (a AuthConfig) store() (auth.CredentialStore, error) {
	creds := auth.Credentials{Email: a.Email, Password: a.Password}
	if a.CredentialsFile == "" {
		return auth.NewMemoryStore(creds), nil
	}
	fs := auth.NewFileStore(a.CredentialsFile)
	if !creds.Empty() {
		if err := fs.Save(creds); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// RateConfig is a token bucket.
type RateConfig struct {
	// PerSecond is the refill rate.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the bucket size.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns a Config with default values and no URL.
func DefaultConfig() Config {
	return Config{
		SendInterval:      transport.DefaultSendInterval,
		PollRetryDelay:    transport.DefaultPollRetryDelay,
		DisconnectTimeout: transport.DefaultDisconnectTimeout,
		WaitThreshold:     rpc.DefaultWaitThreshold,
		GracePeriod:       subscription.DefaultGracePeriod,
		Reconnect: BackoffConfig{
			Initial:    connection.InitialBackoff,
			Max:        connection.MaxBackoff,
			Multiplier: connection.BackoffMultiplier,
			Jitter:     connection.JitterFactor,
		},
		ErrorReports: RateConfig{
			PerSecond: 1,
			Burst:     5,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the config is usable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidConfig)
	}
	if c.Auth.Email == "" && c.Auth.Password != "" {
		return fmt.Errorf("%w: auth password without email", ErrInvalidConfig)
	}
	if c.ErrorReports.PerSecond < 0 || c.ErrorReports.Burst < 0 {
		return fmt.Errorf("%w: negative error report rate", ErrInvalidConfig)
	}
	return nil
}

func (b BackoffConfig) backoff() *connection.Backoff {
	return connection.NewBackoffWithConfig(connection.BackoffConfig{
		Initial:    b.Initial,
		Max:        b.Max,
		Multiplier: b.Multiplier,
		Jitter:     b.Jitter,
	})
}
