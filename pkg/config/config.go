package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SettingsEnvVar names the environment variable that points at the
// settings file loaded on top of the defaults.
const SettingsEnvVar = "MOGIN_SETTINGS"

// EnvPrefix is the prefix for settings read from the process environment,
// e.g. MOGIN_SERVER_LISTEN_ADDRESS overrides "server.listen_address".
const EnvPrefix = "MOGIN"

// Settings keys consumed by the library itself. Embedding applications are
// free to define additional keys; access them through the Get* passthroughs.
const (
	KeyDebug   = "debug"
	KeyTesting = "testing"

	KeyServerListenAddress = "server.listen_address"
	KeyServerTLSCertFile   = "server.tls_cert_file"
	KeyServerTLSKeyFile    = "server.tls_key_file"

	KeyLogLevel       = "log.level"
	KeyLogFile        = "log.file"
	KeyLogFileMaxSize = "log.file_max_size"
	KeyLogFileCount   = "log.file_count"

	KeySentryDSN         = "sentry.dsn"
	KeySentryEnvironment = "sentry.environment"

	KeyProxyTrusted = "proxy.trusted"

	KeyMailHost           = "mail.host"
	KeyMailPort           = "mail.port"
	KeyMailUsername       = "mail.username"
	KeyMailPassword       = "mail.password"
	KeyMailUseSSL         = "mail.use_ssl"
	KeyMailDefaultSender  = "mail.default_sender"
	KeyMailEnvelopeFrom   = "mail.envelope_from"
	KeyMailLocalHostname  = "mail.local_hostname"
	KeyMailReplyTo        = "mail.reply_to"
	KeyMailSuppressSend   = "mail.suppress_send"
	KeyMailRetryCount     = "mail.retry_count"
	KeyMailRetryBackoffMs = "mail.retry_backoff_ms"
	KeyMailQueueSize      = "mail.queue_size"

	KeyDatabaseDriver          = "database.driver"
	KeyDatabaseDSN             = "database.dsn"
	KeyDatabaseMaxOpenConns    = "database.max_open_conns"
	KeyDatabaseMaxIdleConns    = "database.max_idle_conns"
	KeyDatabaseConnMaxLifetime = "database.conn_max_lifetime"

	KeyAuthSecretKey = "auth.secret_key"
	KeyAuthJWKSURL   = "auth.jwks_url"
	KeyAuthTokenTTL  = "auth.token_ttl"
	KeyAuthAPIURL    = "auth.api_url"
	KeyAuthAPIKey    = "auth.api_key"

	KeyAuditKafkaBrokers = "audit.kafka.brokers"
	KeyAuditKafkaTopic   = "audit.kafka.topic"
	KeyAuditWebhookURL   = "audit.webhook.url"
	KeyAuditQueueSize    = "audit.queue_size"
	KeyAuditWorkerCount  = "audit.worker_count"
)

// testNamespace holds per-key overrides that only apply in testing mode,
// e.g. "test.database.dsn" overrides "database.dsn".
const testNamespace = "test"

// Config provides read access to the merged settings.
type Config struct {
	v       *viper.Viper
	testing bool
}

// Option customizes config loading.
type Option func(*options)

type options struct {
	overrides map[string]any
	testing   bool
	file      string
}

// WithOverrides applies settings on top of the defaults but below the
// settings file and environment. Keys use dotted notation.
func WithOverrides(overrides map[string]any) Option {
	return func(o *options) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		for k, v := range overrides {
			o.overrides[k] = v
		}
	}
}

// WithTesting marks the configuration as a test configuration. Keys in the
// "test." namespace then override their base keys.
func WithTesting() Option {
	return func(o *options) { o.testing = true }
}

// WithFile loads the given settings file instead of consulting the
// MOGIN_SETTINGS environment variable.
func WithFile(path string) Option {
	return func(o *options) { o.file = path }
}

// New builds a Config. Sources in override order: built-in defaults,
// WithOverrides values, the settings file, environment variables and
// finally the "test." namespace when in testing mode.
func New(opts ...Option) (*Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v)
	v.Set(KeyTesting, o.testing)

	for key, value := range o.overrides {
		v.SetDefault(key, value)
	}

	path := o.file
	if path == "" {
		path = os.Getenv(SettingsEnvVar)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{v: v, testing: o.testing}
	if o.testing {
		cfg.applyTestOverrides()
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyServerListenAddress, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFileMaxSize, 100)
	v.SetDefault(KeyLogFileCount, 0)
	v.SetDefault(KeyProxyTrusted, []string{"127.0.0.1"})
	v.SetDefault(KeyMailHost, "127.0.0.1")
	v.SetDefault(KeyMailPort, 25)
	v.SetDefault(KeyMailRetryCount, 3)
	v.SetDefault(KeyMailRetryBackoffMs, 100)
	v.SetDefault(KeyMailQueueSize, 1000)
	v.SetDefault(KeyDatabaseDriver, "postgres")
	v.SetDefault(KeyDatabaseMaxOpenConns, 0)
	v.SetDefault(KeyDatabaseMaxIdleConns, 0)
	v.SetDefault(KeyDatabaseConnMaxLifetime, time.Duration(0))
	v.SetDefault(KeyAuthTokenTTL, 15*time.Minute)
	v.SetDefault(KeyAuditQueueSize, 10000)
	v.SetDefault(KeyAuditWorkerCount, 2)
}

// applyTestOverrides copies every key under the "test." namespace over its
// base key. Explicit Set has the highest viper precedence, which is exactly
// the override order we want for test settings.
func (c *Config) applyTestOverrides() {
	sub := c.v.Sub(testNamespace)
	if sub == nil {
		return
	}
	for key, value := range flatten("", sub.AllSettings()) {
		c.v.Set(key, value)
	}
}

func flatten(prefix string, settings map[string]any) map[string]any {
	flat := map[string]any{}
	for key, value := range settings {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				flat[k] = v
			}
			continue
		}
		flat[full] = value
	}
	return flat
}

// Testing reports whether the configuration was loaded in testing mode.
func (c *Config) Testing() bool { return c.testing }

// Debug reports whether debug mode is enabled.
func (c *Config) Debug() bool { return c.v.GetBool(KeyDebug) }

// IsSet reports whether the key has a value from any source.
func (c *Config) IsSet(key string) bool { return c.v.IsSet(key) }

// Get returns the raw value for a key.
func (c *Config) Get(key string) any { return c.v.Get(key) }

// GetString returns the value for a key as a string.
func (c *Config) GetString(key string) string { return c.v.GetString(key) }

// GetInt returns the value for a key as an int.
func (c *Config) GetInt(key string) int { return c.v.GetInt(key) }

// GetBool returns the value for a key as a bool.
func (c *Config) GetBool(key string) bool { return c.v.GetBool(key) }

// GetDuration returns the value for a key as a duration.
func (c *Config) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }

// GetStringSlice returns the value for a key as a string slice.
func (c *Config) GetStringSlice(key string) []string { return c.v.GetStringSlice(key) }

// AllSettings returns the merged settings as a nested map.
func (c *Config) AllSettings() map[string]any { return c.v.AllSettings() }

func (c *Config) ListenAddress() string { return c.v.GetString(KeyServerListenAddress) }

func (c *Config) TLSCertFile() string { return c.v.GetString(KeyServerTLSCertFile) }

func (c *Config) TLSKeyFile() string { return c.v.GetString(KeyServerTLSKeyFile) }

func (c *Config) LogLevel() string { return c.v.GetString(KeyLogLevel) }

func (c *Config) LogFile() string { return c.v.GetString(KeyLogFile) }

func (c *Config) LogFileMaxSize() int { return c.v.GetInt(KeyLogFileMaxSize) }

func (c *Config) LogFileCount() int { return c.v.GetInt(KeyLogFileCount) }

func (c *Config) SentryDSN() string { return c.v.GetString(KeySentryDSN) }

func (c *Config) SentryEnvironment() string { return c.v.GetString(KeySentryEnvironment) }

func (c *Config) TrustedProxies() []string { return c.v.GetStringSlice(KeyProxyTrusted) }

func (c *Config) DatabaseDriver() string { return c.v.GetString(KeyDatabaseDriver) }

func (c *Config) DatabaseDSN() string { return c.v.GetString(KeyDatabaseDSN) }

func (c *Config) AuthSecretKey() string { return c.v.GetString(KeyAuthSecretKey) }

func (c *Config) AuthJWKSURL() string { return c.v.GetString(KeyAuthJWKSURL) }

func (c *Config) AuthTokenTTL() time.Duration { return c.v.GetDuration(KeyAuthTokenTTL) }

func (c *Config) AuthAPIURL() string { return c.v.GetString(KeyAuthAPIURL) }

func (c *Config) AuthAPIKey() string { return c.v.GetString(KeyAuthAPIKey) }

func (c *Config) AuditKafkaBrokers() []string { return c.v.GetStringSlice(KeyAuditKafkaBrokers) }

func (c *Config) AuditKafkaTopic() string { return c.v.GetString(KeyAuditKafkaTopic) }

func (c *Config) AuditWebhookURL() string { return c.v.GetString(KeyAuditWebhookURL) }
