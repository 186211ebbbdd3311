package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "GEIST"
	defaultEnvironment      = EnvironmentDevelopment
	defaultHTTPAddress      = "127.0.0.1:8080"
	defaultMetricsAddress   = "127.0.0.1:9090"
	defaultLogLevel         = "info"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabaseDSN      = "geist.db"
	defaultDatabasePoolSize = 5
	defaultDatabaseTimeout  = 30
	defaultServerTimeout    = 30
	defaultAuthIssuer       = "geist-auth"
	defaultAuthAudience     = "geist-meta"
)

// Environment names the deployment stage the server runs in.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentPreview     Environment = "preview"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// Database drivers understood by the database package.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the identity server.
type AppConfig struct {
	Environment     Environment
	HTTPAddress     string
	MetricsAddress  string
	LogLevel        string
	Debug           bool
	DatabaseDriver  string
	DatabaseDSN     string
	DatabasePool    int
	DatabaseTimeout time.Duration
	ServerTimeout   time.Duration
	SigningSecret   string
	AuthIssuer      string
	AuthAudience    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("environment", string(defaultEnvironment))
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("metrics.address", defaultMetricsAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("debug", false)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.pool_size", defaultDatabasePoolSize)
	configViper.SetDefault("database.timeout_seconds", defaultDatabaseTimeout)
	configViper.SetDefault("server.timeout_seconds", defaultServerTimeout)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
}

// Load parses runtime configuration from viper and reports every validation problem at once.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		Environment:     Environment(strings.ToLower(strings.TrimSpace(configViper.GetString("environment")))),
		HTTPAddress:     strings.TrimSpace(configViper.GetString("http.address")),
		MetricsAddress:  strings.TrimSpace(configViper.GetString("metrics.address")),
		LogLevel:        configViper.GetString("log.level"),
		Debug:           configViper.GetBool("debug"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		DatabasePool:    configViper.GetInt("database.pool_size"),
		DatabaseTimeout: time.Duration(configViper.GetInt("database.timeout_seconds")) * time.Second,
		ServerTimeout:   time.Duration(configViper.GetInt("server.timeout_seconds")) * time.Second,
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:      configViper.GetString("auth.issuer"),
		AuthAudience:    configViper.GetString("auth.audience"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the settings needed to reach the database, for commands that
// never serve traffic.
func LoadDatabase(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:        configViper.GetString("log.level"),
		Debug:           configViper.GetBool("debug"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		DatabasePool:    configViper.GetInt("database.pool_size"),
		DatabaseTimeout: time.Duration(configViper.GetInt("database.timeout_seconds")) * time.Second,
	}
	if err := errors.Join(cfg.databaseProblems()...); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	var problems []error

	switch c.Environment {
	case EnvironmentDevelopment, EnvironmentPreview, EnvironmentStaging, EnvironmentProduction:
	default:
		problems = append(problems, fmt.Errorf("environment %q is not one of development, preview, staging, production", c.Environment))
	}
	if c.HTTPAddress == "" {
		problems = append(problems, errors.New("http.address is required"))
	}
	if c.MetricsAddress == "" {
		problems = append(problems, errors.New("metrics.address is required"))
	}
	if c.HTTPAddress != "" && c.HTTPAddress == c.MetricsAddress {
		problems = append(problems, errors.New("http.address and metrics.address cannot be the same"))
	}
	problems = append(problems, c.databaseProblems()...)
	if c.ServerTimeout <= 0 {
		problems = append(problems, errors.New("server.timeout_seconds must be greater than 0"))
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		problems = append(problems, errors.New("auth.signing_secret is required"))
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		problems = append(problems, errors.New("auth.issuer is required"))
	}
	if strings.TrimSpace(c.AuthAudience) == "" {
		problems = append(problems, errors.New("auth.audience is required"))
	}

	return errors.Join(problems...)
}

func (c AppConfig) databaseProblems() []error {
	var problems []error
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		problems = append(problems, fmt.Errorf("database.driver %q is not one of sqlite, postgres", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		problems = append(problems, errors.New("database.dsn is required"))
	}
	if c.DatabasePool <= 0 {
		problems = append(problems, errors.New("database.pool_size must be greater than 0"))
	}
	if c.DatabaseTimeout <= 0 {
		problems = append(problems, errors.New("database.timeout_seconds must be greater than 0"))
	}
	return problems
}
