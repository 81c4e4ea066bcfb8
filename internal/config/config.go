package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	IMAP       IMAPConfig       `mapstructure:"imap"`
	Analyzer   AnalyzerConfig   `mapstructure:"analyzer"`
	Notes      NotesConfig      `mapstructure:"notes"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Renewal    RenewalConfig    `mapstructure:"renewal"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Idle       IdleConfig       `mapstructure:"idle"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// PubSubTopic is the fully qualified topic Gmail publishes watch
	// notifications to, e.g. projects/<id>/topics/gmail-push.
	PubSubTopic string `mapstructure:"pubsub_topic"`
	// VerificationToken must match the token query parameter on inbound
	// push callbacks.
	VerificationToken string `mapstructure:"verification_token"`
	// PushAudience is the expected aud claim of the OIDC token Pub/Sub
	// attaches to push requests. Empty disables the claim check.
	PushAudience string `mapstructure:"push_audience"`
}

type IMAPConfig struct {
	// DialTimeout bounds the TCP+TLS handshake for idle sessions.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// IdleTimeout is the maximum length of one IDLE cycle before the
	// session is refreshed. The IMAP spec recommends staying under 29m.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type AnalyzerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotesConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ContextLimit int           `mapstructure:"context_limit"`
}

type DispatcherConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

type RenewalConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Buffer           time.Duration `mapstructure:"buffer"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type PollerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	HealthBuffer time.Duration `mapstructure:"health_buffer"`
}

type IdleConfig struct {
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type AlertsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 10*time.Second)
	viper.SetDefault("server.write_timeout", 10*time.Second)
	viper.SetDefault("server.rate_limit", 50)
	viper.SetDefault("server.rate_burst", 100)

	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)

	viper.SetDefault("imap.dial_timeout", 30*time.Second)
	viper.SetDefault("imap.idle_timeout", 25*time.Minute)

	viper.SetDefault("analyzer.timeout", 30*time.Second)
	viper.SetDefault("notes.timeout", 10*time.Second)
	viper.SetDefault("notes.context_limit", 5)

	viper.SetDefault("dispatcher.workers", 4)
	viper.SetDefault("dispatcher.queue_size", 256)
	viper.SetDefault("dispatcher.lock_ttl", time.Minute)

	viper.SetDefault("renewal.interval", time.Hour)
	viper.SetDefault("renewal.buffer", 24*time.Hour)
	viper.SetDefault("renewal.failure_threshold", 5)

	viper.SetDefault("poller.interval", 30*time.Minute)
	viper.SetDefault("poller.batch_size", 10)
	viper.SetDefault("poller.rate_limit", 1)
	viper.SetDefault("poller.rate_burst", 1)
	viper.SetDefault("poller.health_buffer", time.Hour)

	viper.SetDefault("idle.backoff_base", time.Second)
	viper.SetDefault("idle.backoff_max", time.Minute)
	viper.SetDefault("idle.failure_threshold", 5)
}
