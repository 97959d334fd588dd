package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "WEBHOOKS"

type Settings struct {
	Database        DbSettings     `mapstructure:"database"`
	Broker          BrokerSettings `mapstructure:"broker"`
	PollInterval    time.Duration  `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int            `mapstructure:"batch_size" validate:"gt=0"`
	DispatchTimeout time.Duration  `mapstructure:"dispatch_timeout" validate:"gt=0"`
	LockTimeout     time.Duration  `mapstructure:"lock_timeout" validate:"gt=0"`
	WorkerID        string         `mapstructure:"worker_id"`
	DeadLetterTopic string         `mapstructure:"dead_letter_topic"`
	HTTP            HTTPSettings   `mapstructure:"http"`
	Logging         Logging        `mapstructure:"logging"`
	Observability   Observability  `mapstructure:"observability"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DeadLetterTopic != "" && c.Broker.Type == BrokerNone {
		return errors.New("dead_letter_topic requires a broker")
	}
	return nil
}

// Defaults returns the settings used when no file or environment overrides them.
func Defaults() *Settings {
	return &Settings{
		Database:        DbSettings{Type: "memory"},
		Broker:          BrokerSettings{Type: BrokerNone, PoolSize: 5},
		PollInterval:    5 * time.Second,
		BatchSize:       10,
		DispatchTimeout: 15 * time.Second,
		LockTimeout:     5 * time.Minute,
		HTTP:            HTTPSettings{Addr: ":8090"},
		Logging:         Logging{Level: "info", Format: "json"},
		Observability:   Observability{ServiceName: "go-webhooks"},
	}
}

// LoadFromFile reads webhooks.yaml from filePath (and the working directory),
// merges webhooks.<ENVIRONMENT>.yaml on top and applies WEBHOOKS_* environment
// overrides. A missing file is not an error.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetConfigName("webhooks")
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := mergeConfig(v, filePath, "webhooks."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
	}

	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("broker.type", d.Broker.Type)
	v.SetDefault("broker.pool_size", d.Broker.PoolSize)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("dispatch_timeout", d.DispatchTimeout)
	v.SetDefault("lock_timeout", d.LockTimeout)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // WEBHOOKS_DATABASE_TYPE
	v.AutomaticEnv()

	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range []string{
		"database.type", "database.driver", "database.dsn", "database.uri", "database.db_name", "database.project_id",
		"broker.type", "broker.url", "broker.exchange", "broker.project_id", "broker.pool_size",
		"poll_interval", "batch_size", "dispatch_timeout", "lock_timeout", "worker_id", "dead_letter_topic",
		"http.addr", "logging.level", "logging.format",
		"observability.enabled", "observability.service_name", "observability.tracing_url",
	} {
		_ = v.BindEnv(key)
	}
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
