// Package config loads and validates the platform configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the NDP_ prefix (e.g., NDP_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml locally and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Queue        QueueConfig        `mapstructure:"queue"`
	AWS          AWSConfig          `mapstructure:"aws"`
	Domain       DomainConfig       `mapstructure:"domain"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Security     SecurityConfig     `mapstructure:"security"`
	Webhooks     WebhooksConfig     `mapstructure:"webhooks"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig holds the management API HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProxyConfig holds the execution proxy listener and backend configuration
type ProxyConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ExecutionFunction is the function name or ARN invoked to run a model
	ExecutionFunction string `mapstructure:"execution_function"`
	// PreprocessingFunction runs a tenant's preprocessing script before the model
	PreprocessingFunction string `mapstructure:"preprocessing_function"`
	// InvokeTimeout bounds a single backend invocation
	InvokeTimeout time.Duration `mapstructure:"invoke_timeout"`
	// MaxLoggedBytes caps input/output/error stored in the queryable usage index
	MaxLoggedBytes int `mapstructure:"max_logged_bytes"`
	// MaxBodyBytes rejects request bodies larger than this
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis connection used by the task queue and the
// distributed rate limiter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig controls the asynchronous task queue
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// MaxRetry is the redelivery budget of a provisioning or teardown task
	MaxRetry int `mapstructure:"max_retry"`
	// TaskTimeout is the hard wall-clock budget of a single task delivery
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// UniqueTTL suppresses duplicate enqueues of the same tenant task
	UniqueTTL time.Duration `mapstructure:"unique_ttl"`
}

// AWSConfig holds credentials and region shared by every AWS client
type AWSConfig struct {
	// Region is the AWS region the tenant endpoints are created in
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoint (LocalStack, MinIO)
	Endpoint string `mapstructure:"endpoint"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": explicit access key and secret key
	// - "oidc": Web Identity token (EKS, GitHub Actions, etc.)
	// - "assume_role": assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// DomainConfig describes the base domain tenant subdomains live under
type DomainConfig struct {
	// BaseDomain is the parent zone, e.g. "neurodeploy.com"
	BaseDomain string `mapstructure:"base_domain"`
	// HostedZoneID is the DNS zone validation and alias records are written to
	HostedZoneID string `mapstructure:"hosted_zone_id"`
}

// StorageConfig holds the three object stores and the backend settings they share
type StorageConfig struct {
	// Models holds uploaded model artifacts at {username}/{model_name}
	Models StoreConfig `mapstructure:"models"`
	// Staging receives presigned uploads before they are moved to Models
	Staging StoreConfig `mapstructure:"staging"`
	// Logs archives the full request/response of every invocation
	Logs StoreConfig `mapstructure:"logs"`

	// UploadURLTTL is how long presigned upload targets stay valid
	UploadURLTTL time.Duration `mapstructure:"upload_url_ttl"`
	// DownloadURLTTL is how long presigned log download links stay valid
	DownloadURLTTL time.Duration `mapstructure:"download_url_ttl"`

	S3    S3StorageConfig    `mapstructure:"s3"`
	Azure AzureStorageConfig `mapstructure:"azure"`
	GCS   GCSStorageConfig   `mapstructure:"gcs"`
	Local LocalStorageConfig `mapstructure:"local"`
}

// StoreConfig selects the backend and bucket of one logical store
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
}

// S3StorageConfig holds S3-specific options; credentials come from AWSConfig
type S3StorageConfig struct {
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// Authentication method: "default" (ADC) or "service_account"
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	// Endpoint is a custom endpoint for GCS emulators
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds filesystem storage configuration for development.
// Every bucket becomes a directory under BasePath.
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
	// SigningKey signs the /v1/files URLs handed out in place of presigned
	// URLs; a random key is generated when empty
	SigningKey string `mapstructure:"signing_key"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecrets lists valid signing secrets, current first. Older entries
	// keep verifying in-flight tokens during a rotation.
	JWTSecrets []string `mapstructure:"jwt_secrets"`
	// TokenTTL is the bearer token lifetime
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// SignInKeyTTL is the lifetime of the access key issued on sign-in
	SignInKeyTTL time.Duration `mapstructure:"sign_in_key_ttl"`
	// MinPasswordLength is enforced on sign-up
	MinPasswordLength int `mapstructure:"min_password_length"`
}

// ProvisioningConfig holds the polling and retry budgets of the tenant
// provisioning workflow
type ProvisioningConfig struct {
	ValidationPollInterval time.Duration `mapstructure:"validation_poll_interval"`
	ValidationPollAttempts int           `mapstructure:"validation_poll_attempts"`
	IssuancePollInterval   time.Duration `mapstructure:"issuance_poll_interval"`
	IssuancePollAttempts   int           `mapstructure:"issuance_poll_attempts"`
	ThrottleRetryDelay     time.Duration `mapstructure:"throttle_retry_delay"`
	ThrottleRetryAttempts  int           `mapstructure:"throttle_retry_attempts"`
	// StageName is the deployment stage the custom domain maps to
	StageName string `mapstructure:"stage_name"`
	// ValidationRecordTTL is the TTL (seconds) of the DNS validation CNAME
	ValidationRecordTTL int64 `mapstructure:"validation_record_ttl"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// ProxyRequestsPerSecond is the per-model limit enforced through Redis on
	// the execution proxy
	ProxyRequestsPerSecond int `mapstructure:"proxy_requests_per_second"`
}

// WebhooksConfig holds inbound webhook configuration
type WebhooksConfig struct {
	// StorageEventSecret must be sent in the X-Webhook-Secret header of
	// storage event notifications
	StorageEventSecret string `mapstructure:"storage_event_secret"`
}

// JobsConfig holds background job configuration
type JobsConfig struct {
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds every config key to its environment variable.
// AutomaticEnv alone is not enough for Unmarshal to see keys that appear in
// neither the defaults nor the config file.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		"proxy.host",
		"proxy.port",
		"proxy.read_timeout",
		"proxy.write_timeout",
		"proxy.execution_function",
		"proxy.preprocessing_function",
		"proxy.invoke_timeout",
		"proxy.max_logged_bytes",
		"proxy.max_body_bytes",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"redis.addr",
		"redis.password",
		"redis.db",

		"queue.concurrency",
		"queue.max_retry",
		"queue.task_timeout",
		"queue.unique_ttl",

		"aws.region",
		"aws.endpoint",
		"aws.auth_method",
		"aws.access_key_id",
		"aws.secret_access_key",
		"aws.role_arn",
		"aws.role_session_name",
		"aws.external_id",
		"aws.web_identity_token_file",

		"domain.base_domain",
		"domain.hosted_zone_id",

		"storage.models.backend",
		"storage.models.bucket",
		"storage.staging.backend",
		"storage.staging.bucket",
		"storage.logs.backend",
		"storage.logs.bucket",
		"storage.upload_url_ttl",
		"storage.download_url_ttl",
		"storage.s3.use_path_style",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",
		"storage.local.signing_key",

		"auth.jwt_secrets",
		"auth.token_ttl",
		"auth.sign_in_key_ttl",
		"auth.min_password_length",

		"provisioning.validation_poll_interval",
		"provisioning.validation_poll_attempts",
		"provisioning.issuance_poll_interval",
		"provisioning.issuance_poll_attempts",
		"provisioning.throttle_retry_delay",
		"provisioning.throttle_retry_attempts",
		"provisioning.stage_name",
		"provisioning.validation_record_ttl",

		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.proxy_requests_per_second",

		"webhooks.storage_event_secret",

		"jobs.reaper_interval",

		"logging.level",
		"logging.format",

		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/neurodeploy")
	}

	// Missing config file is fine; defaults and env vars still apply
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("NDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// A comma separated NDP_AUTH_JWT_SECRETS arrives as a single element
	if len(cfg.Auth.JWTSecrets) == 1 && strings.Contains(cfg.Auth.JWTSecrets[0], ",") {
		cfg.Auth.JWTSecrets = strings.Split(cfg.Auth.JWTSecrets[0], ",")
	}
	for i, s := range cfg.Auth.JWTSecrets {
		cfg.Auth.JWTSecrets[i] = strings.TrimSpace(expandEnv(s))
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.AWS.AccessKeyID = expandEnv(cfg.AWS.AccessKeyID)
	cfg.AWS.SecretAccessKey = expandEnv(cfg.AWS.SecretAccessKey)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Webhooks.StorageEventSecret = expandEnv(cfg.Webhooks.StorageEventSecret)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8081)
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.execution_function", "neurodeploy-execution")
	v.SetDefault("proxy.preprocessing_function", "neurodeploy-preprocessing")
	v.SetDefault("proxy.invoke_timeout", "30s")
	v.SetDefault("proxy.max_logged_bytes", 4096)
	v.SetDefault("proxy.max_body_bytes", 6*1024*1024)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "neurodeploy")
	v.SetDefault("database.user", "neurodeploy")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.max_retry", 10)
	v.SetDefault("queue.task_timeout", "15m")
	v.SetDefault("queue.unique_ttl", "30m")

	v.SetDefault("aws.region", "us-east-2")
	v.SetDefault("aws.auth_method", "default")

	v.SetDefault("domain.base_domain", "neurodeploy.com")

	v.SetDefault("storage.models.backend", "s3")
	v.SetDefault("storage.models.bucket", "neurodeploy-models")
	v.SetDefault("storage.staging.backend", "s3")
	v.SetDefault("storage.staging.bucket", "neurodeploy-staging")
	v.SetDefault("storage.logs.backend", "s3")
	v.SetDefault("storage.logs.bucket", "neurodeploy-logs")
	v.SetDefault("storage.upload_url_ttl", "1h")
	v.SetDefault("storage.download_url_ttl", "60s")
	v.SetDefault("storage.gcs.auth_method", "default")
	v.SetDefault("storage.local.base_path", "./storage")

	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.sign_in_key_ttl", "1h")
	v.SetDefault("auth.min_password_length", 8)

	v.SetDefault("provisioning.validation_poll_interval", "200ms")
	v.SetDefault("provisioning.validation_poll_attempts", 50)
	v.SetDefault("provisioning.issuance_poll_interval", "30s")
	v.SetDefault("provisioning.issuance_poll_attempts", 6)
	v.SetDefault("provisioning.throttle_retry_delay", "10s")
	v.SetDefault("provisioning.throttle_retry_attempts", 5)
	v.SetDefault("provisioning.stage_name", "prod")
	v.SetDefault("provisioning.validation_record_ttl", 300)

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.rate_limiting.proxy_requests_per_second", 20)

	v.SetDefault("jobs.reaper_interval", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "neurodeploy")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}
	if c.Proxy.Port == c.Server.Port {
		return fmt.Errorf("proxy.port must differ from server.port")
	}
	if c.Proxy.MaxLoggedBytes < 1 {
		return fmt.Errorf("proxy.max_logged_bytes must be positive")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Domain.BaseDomain == "" {
		return fmt.Errorf("domain.base_domain is required")
	}

	validAuthMethods := map[string]bool{"": true, "default": true, "static": true, "oidc": true, "assume_role": true}
	if !validAuthMethods[c.AWS.AuthMethod] {
		return fmt.Errorf("invalid aws.auth_method: %s", c.AWS.AuthMethod)
	}

	// Presigned POST targets and storage events are only produced by s3 and local
	uploadBackends := map[string]bool{"s3": true, "local": true}
	archiveBackends := map[string]bool{"s3": true, "gcs": true, "azure": true, "local": true}
	stores := []struct {
		name    string
		store   StoreConfig
		allowed map[string]bool
	}{
		{"models", c.Storage.Models, uploadBackends},
		{"staging", c.Storage.Staging, uploadBackends},
		{"logs", c.Storage.Logs, archiveBackends},
	}
	for _, s := range stores {
		if !s.allowed[s.store.Backend] {
			return fmt.Errorf("invalid storage.%s.backend: %s", s.name, s.store.Backend)
		}
		if s.store.Bucket == "" {
			return fmt.Errorf("storage.%s.bucket is required", s.name)
		}
		switch s.store.Backend {
		case "azure":
			if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" {
				return fmt.Errorf("storage.azure.account_name and account_key are required when using Azure backend")
			}
		case "local":
			if c.Storage.Local.BasePath == "" {
				return fmt.Errorf("storage.local.base_path is required when using local backend")
			}
		}
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Auth.MinPasswordLength < 1 {
		return fmt.Errorf("auth.min_password_length must be positive")
	}

	if c.Provisioning.IssuancePollAttempts < 1 || c.Provisioning.ValidationPollAttempts < 1 {
		return fmt.Errorf("provisioning poll attempts must be at least 1")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the management server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddress returns the proxy listener address in host:port format
func (c *ProxyConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TenantHost returns the subdomain a tenant's endpoint is served from
func (c *DomainConfig) TenantHost(username string) string {
	return username + "." + c.BaseDomain
}
