package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Email transports
const (
	EmailSMTP = "smtp"
	EmailSES  = "ses"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// StoreDriver selects the job store: postgres or memory.
	StoreDriver string

	// DryRun logs notifications instead of delivering them.
	DryRun bool

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS ingress queue; empty QueueURL means events are dispatched inline
	SQSRegion   string
	SQSQueueURL string
	SQSEndpoint string

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string
	SNSEndpoint  string

	EmailTransport string
	SMTP           SMTPConfig

	// Webhook config
	WebhookTimeout int // Timeout for webhook requests in seconds

	// APIRateLimit is requests per minute per tenant on /v1.
	APIRateLimit int

	Worker WorkerConfig
	MQTT   MQTTConfig
}

// SMTPConfig is the process-wide mail relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// WorkerConfig tunes delivery workers and the lease reaper.
type WorkerConfig struct {
	Count             int           `yaml:"count"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	LeaseTimeout      time.Duration `yaml:"lease_timeout"`
	ReaperSchedule    string        `yaml:"reaper_schedule"`
	ChannelRateLimit  int           `yaml:"channel_rate_limit"`
	ChannelRateWindow time.Duration `yaml:"channel_rate_window"`
}

type MQTTConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: StorePostgres,

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "herald",
		DBName:    "herald",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@herald.local",

		EmailTransport: EmailSMTP,
		SMTP: SMTPConfig{
			Host: "localhost",
			Port: 587,
			From: "alerts@herald.local",
		},

		WebhookTimeout: 30,
		APIRateLimit:   100,

		Worker: WorkerConfig{
			Count:             2,
			PollInterval:      5 * time.Second,
			BatchSize:         10,
			MaxAttempts:       5,
			BackoffBase:       30 * time.Second,
			BackoffMax:        2 * time.Hour,
			SendTimeout:       30 * time.Second,
			LeaseTimeout:      10 * time.Minute,
			ReaperSchedule:    "@every 1m",
			ChannelRateWindow: time.Minute,
		},
		MQTT: MQTTConfig{ConnectTimeout: 10 * time.Second},
	}
}

// Load reads configuration from environment variables with sensible defaults,
// applies the YAML file named by HERALD_CONFIG on top, and validates the result.
func Load() (*Config, error) {
	cfg := Default()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if path := os.Getenv("HERALD_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var e env

	e.integer("PORT", &c.Port)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("ENV", &c.Env)
	e.str("STORE_DRIVER", &c.StoreDriver)
	e.boolean("DRY_RUN", &c.DryRun)

	e.str("DB_HOST", &c.DBHost)
	e.integer("DB_PORT", &c.DBPort)
	e.str("DB_USER", &c.DBUser)
	e.str("DB_PASSWORD", &c.DBPassword)
	e.str("DB_NAME", &c.DBName)
	e.str("DB_SSLMODE", &c.DBSSLMode)

	e.str("REDIS_HOST", &c.RedisHost)
	e.integer("REDIS_PORT", &c.RedisPort)
	e.str("REDIS_PASSWORD", &c.RedisPassword)
	e.integer("REDIS_DB", &c.RedisDB)

	e.str("AWS_REGION", &c.AWSRegion)
	e.str("SES_FROM_EMAIL", &c.SESFromEmail)

	c.SQSRegion = c.AWSRegion
	e.str("SQS_REGION", &c.SQSRegion)
	e.str("SQS_QUEUE_URL", &c.SQSQueueURL)
	e.str("SQS_ENDPOINT", &c.SQSEndpoint)

	c.SNSRegion = c.AWSRegion
	e.str("SNS_REGION", &c.SNSRegion)
	e.str("SNS_ENDPOINT", &c.SNSEndpoint)

	e.str("EMAIL_TRANSPORT", &c.EmailTransport)
	e.str("SMTP_HOST", &c.SMTP.Host)
	e.integer("SMTP_PORT", &c.SMTP.Port)
	e.str("SMTP_USERNAME", &c.SMTP.Username)
	e.str("SMTP_PASSWORD", &c.SMTP.Password)
	e.str("SMTP_FROM", &c.SMTP.From)

	e.integer("WEBHOOK_TIMEOUT", &c.WebhookTimeout)
	e.integer("API_RATE_LIMIT", &c.APIRateLimit)

	e.integer("WORKER_COUNT", &c.Worker.Count)
	e.duration("WORKER_POLL_INTERVAL", &c.Worker.PollInterval)
	e.integer("WORKER_BATCH_SIZE", &c.Worker.BatchSize)
	e.integer("WORKER_MAX_ATTEMPTS", &c.Worker.MaxAttempts)
	e.duration("BACKOFF_BASE", &c.Worker.BackoffBase)
	e.duration("BACKOFF_MAX", &c.Worker.BackoffMax)
	e.duration("SEND_TIMEOUT", &c.Worker.SendTimeout)
	e.duration("LEASE_TIMEOUT", &c.Worker.LeaseTimeout)
	e.str("REAPER_SCHEDULE", &c.Worker.ReaperSchedule)
	e.integer("CHANNEL_RATE_LIMIT", &c.Worker.ChannelRateLimit)
	e.duration("CHANNEL_RATE_WINDOW", &c.Worker.ChannelRateWindow)

	e.duration("MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout)

	return errors.Join(e.errs...)
}

// applyFile overlays the worker, smtp and mqtt blocks of a YAML file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	overlay := struct {
		SMTP   SMTPConfig   `yaml:"smtp"`
		Worker WorkerConfig `yaml:"worker"`
		MQTT   MQTTConfig   `yaml:"mqtt"`
	}{c.SMTP, c.Worker, c.MQTT}

	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.SMTP, c.Worker, c.MQTT = overlay.SMTP, overlay.Worker, overlay.MQTT
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}
	if c.StoreDriver != StorePostgres && c.StoreDriver != StoreMemory {
		errs = append(errs, fmt.Errorf("invalid STORE_DRIVER %q: want postgres or memory", c.StoreDriver))
	}
	if c.EmailTransport != EmailSMTP && c.EmailTransport != EmailSES {
		errs = append(errs, fmt.Errorf("invalid EMAIL_TRANSPORT %q: want smtp or ses", c.EmailTransport))
	}

	w := c.Worker
	if w.Count < 0 {
		errs = append(errs, errors.New("worker count must be >= 0"))
	}
	if w.PollInterval <= 0 || w.BatchSize <= 0 {
		errs = append(errs, errors.New("worker poll interval and batch size must be positive"))
	}
	if w.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker max attempts must be >= 1"))
	}
	if w.BackoffBase <= 0 || w.BackoffMax < w.BackoffBase {
		errs = append(errs, fmt.Errorf("invalid backoff: base %v, max %v", w.BackoffBase, w.BackoffMax))
	}
	if w.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
	}
	// A lease shorter than a send would let the reaper requeue jobs still in flight.
	if w.LeaseTimeout <= w.SendTimeout {
		errs = append(errs, fmt.Errorf("lease timeout %v must exceed send timeout %v", w.LeaseTimeout, w.SendTimeout))
	}
	if w.ChannelRateLimit < 0 {
		errs = append(errs, errors.New("channel rate limit must be >= 0"))
	}
	if w.ChannelRateLimit > 0 && w.ChannelRateWindow <= 0 {
		errs = append(errs, errors.New("channel rate window must be positive"))
	}

	return errors.Join(errs...)
}

// env reads typed variables and collects parse errors.
type env struct {
	errs []error
}

func (e *env) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *env) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

func (e *env) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}
