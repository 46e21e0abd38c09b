package gnats

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is the base of every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the file form of the client options.
type Config struct {
	Servers []string `yaml:"servers"`
	Name    string   `yaml:"name"`

	Verbose  bool `yaml:"verbose"`
	Pedantic bool `yaml:"pedantic"`
	NoEcho   bool `yaml:"no_echo"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"` // e.g. "2s"
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	FlushTimeout   time.Duration `yaml:"flush_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	PingInterval        time.Duration `yaml:"ping_interval"`
	MaxPingsOutstanding int           `yaml:"max_pings_outstanding"`

	MaxPayload        int64  `yaml:"max_payload"`
	PendingBufferSize int    `yaml:"pending_buffer_size"`
	SubPendingMsgs    int    `yaml:"sub_pending_msgs"`
	SubPendingBytes   int    `yaml:"sub_pending_bytes"`
	InboxPrefix       string `yaml:"inbox_prefix"`

	Proxy ProxySettings `yaml:"proxy"`
}

// AuthConfig selects one credential mode. At most one mode may be set.
type AuthConfig struct {
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Token     string `yaml:"token"`
	NKeySeed  string `yaml:"nkey_seed_file"`
	CredsFile string `yaml:"creds_file"`
}

// TLSConfig selects file or PKCS#12 based TLS.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	PKCS12File         string `yaml:"pkcs12_file"`
	PKCS12Password     string `yaml:"pkcs12_password"`
	ServerName         string `yaml:"server_name"`
	MinVersion         string `yaml:"min_version"` // "1.2" or "1.3"
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	HandshakeFirst     bool   `yaml:"handshake_first"`
}

// ReconnectConfig configures reconnection.
// Enabled is a pointer so an absent key keeps reconnecting on.
type ReconnectConfig struct {
	Enabled              *bool         `yaml:"enabled"`
	RetryOnFailedConnect bool          `yaml:"retry_on_failed_connect"`
	MaxAttempts          *int          `yaml:"max_attempts"` // -1 for unlimited
	Wait                 time.Duration `yaml:"wait"`
	MaxWait              time.Duration `yaml:"max_wait"`
	DontRandomize        bool          `yaml:"dont_randomize"`
	IgnoreDiscovered     bool          `yaml:"ignore_discovered"`
}

// ProxySettings configures proxy dialing.
type ProxySettings struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FromEnvironment bool   `yaml:"from_environment"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("%w: no servers", ErrInvalidConfig)
	}

	modes := 0
	if c.Auth.User != "" {
		modes++
	}
	if c.Auth.Token != "" {
		modes++
	}
	if c.Auth.NKeySeed != "" {
		modes++
	}
	if c.Auth.CredsFile != "" {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("%w: more than one auth mode configured", ErrInvalidConfig)
	}

	if c.TLS.PKCS12File != "" && (c.TLS.CertFile != "" || c.TLS.KeyFile != "") {
		return fmt.Errorf("%w: pkcs12_file and cert_file/key_file are exclusive", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: cert_file and key_file must be set together", ErrInvalidConfig)
	}

	switch c.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("%w: unsupported tls min_version %q", ErrInvalidConfig, c.TLS.MinVersion)
	}

	if c.Reconnect.MaxAttempts != nil && *c.Reconnect.MaxAttempts < -1 {
		return fmt.Errorf("%w: reconnect max_attempts must be -1 or more", ErrInvalidConfig)
	}

	return nil
}

// Options converts the configuration to client options.
// Zero values keep the option defaults.
func (c *Config) Options() []Option {
	opts := []Option{WithServers(c.Servers...)}

	if c.Name != "" {
		opts = append(opts, WithName(c.Name))
	}
	if c.Verbose {
		opts = append(opts, WithVerbose(true))
	}
	if c.Pedantic {
		opts = append(opts, WithPedantic(true))
	}
	if c.NoEcho {
		opts = append(opts, WithNoEcho())
	}

	if creds := c.Auth.credentials(); creds != nil {
		opts = append(opts, WithCredentials(creds))
	}
	if settings := c.TLS.settings(); settings != nil {
		opts = append(opts, WithTLS(settings))
	}
	if c.TLS.HandshakeFirst {
		opts = append(opts, WithTLSHandshakeFirst())
	}

	if c.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(c.ConnectTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(c.WriteTimeout))
	}
	if c.FlushTimeout > 0 {
		opts = append(opts, WithFlushTimeout(c.FlushTimeout))
	}

	r := c.Reconnect
	if r.Enabled != nil {
		opts = append(opts, WithAutoReconnect(*r.Enabled))
	}
	if r.RetryOnFailedConnect {
		opts = append(opts, WithRetryOnFailedConnect(true))
	}
	if r.MaxAttempts != nil {
		opts = append(opts, WithMaxReconnects(*r.MaxAttempts))
	}
	if r.Wait > 0 {
		opts = append(opts, WithReconnectWait(r.Wait))
	}
	if r.MaxWait > 0 {
		opts = append(opts, WithMaxReconnectWait(r.MaxWait))
	}
	if r.DontRandomize {
		opts = append(opts, WithDontRandomize())
	}
	if r.IgnoreDiscovered {
		opts = append(opts, WithIgnoreDiscoveredServers())
	}

	if c.PingInterval > 0 {
		opts = append(opts, WithPingInterval(c.PingInterval))
	}
	if c.MaxPingsOutstanding > 0 {
		opts = append(opts, WithMaxPingsOutstanding(c.MaxPingsOutstanding))
	}
	if c.MaxPayload > 0 {
		opts = append(opts, WithMaxPayload(c.MaxPayload))
	}
	if c.PendingBufferSize > 0 {
		opts = append(opts, WithPendingBufferSize(c.PendingBufferSize))
	}
	if c.SubPendingMsgs > 0 || c.SubPendingBytes > 0 {
		msgs, bytes := c.SubPendingMsgs, c.SubPendingBytes
		if msgs == 0 {
			msgs = DefaultSubPendingMsgsLimit
		}
		if bytes == 0 {
			bytes = DefaultSubPendingBytesLimit
		}
		opts = append(opts, WithSubPendingLimits(msgs, bytes))
	}
	if c.InboxPrefix != "" {
		opts = append(opts, WithInboxPrefix(c.InboxPrefix))
	}

	if c.Proxy.URL != "" {
		opts = append(opts, WithProxyAuth(c.Proxy.URL, c.Proxy.Username, c.Proxy.Password))
	}
	if c.Proxy.FromEnvironment {
		opts = append(opts, WithProxyFromEnvironment(true))
	}

	return opts
}

func (a AuthConfig) credentials() Credentials {
	switch {
	case a.User != "":
		return UserPass{User: a.User, Password: a.Password}
	case a.Token != "":
		return Token{Token: a.Token}
	case a.NKeySeed != "":
		return NKeySeed{SeedFile: a.NKeySeed}
	case a.CredsFile != "":
		return JWTCreds{CredsFile: a.CredsFile}
	default:
		return nil
	}
}

func (t TLSConfig) settings() TLSSettings {
	switch {
	case t.PKCS12File != "":
		return PKCS12TLS{
			File:               t.PKCS12File,
			Password:           t.PKCS12Password,
			CAFile:             t.CAFile,
			ServerName:         t.ServerName,
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	case t.Enabled || t.CertFile != "" || t.CAFile != "":
		return FilesTLS{
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			CAFile:             t.CAFile,
			ServerName:         t.ServerName,
			MinVersion:         t.MinVersion,
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	default:
		return nil
	}
}
