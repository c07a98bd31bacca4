package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the hub and the gateway
type Config struct {
	App             AppConfig              `mapstructure:"app"`
	Logger          LoggerConfig           `mapstructure:"logger"`
	Redis           RedisConfig            `mapstructure:"redis"`
	Kafka           KafkaConfig            `mapstructure:"kafka"`
	Processor       ProcessorConfig        `mapstructure:"processor"`
	Formula         FormulaConfig          `mapstructure:"formula"`
	Gateway         GatewayConfig          `mapstructure:"gateway"`
	CalculatedRates []CalculatedRateConfig `mapstructure:"calculated_rates"`
	Subscribers     []SubscriberConfig     `mapstructure:"subscribers"`
}

type AppConfig struct {
	Port          string        `mapstructure:"port"`
	Env           string        `mapstructure:"env"` // e.g., "local", "prod"
	ClusterName   string        `mapstructure:"cluster_name"`
	MemberID      string        `mapstructure:"member_id"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty disables file output
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// InMemory selects the in-process cache for single-instance deployments
	InMemory bool `mapstructure:"in_memory"`
}

type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	RawTopic        string   `mapstructure:"raw_topic"`
	CalculatedTopic string   `mapstructure:"calculated_topic"`
	QueueSize       int      `mapstructure:"queue_size"`
	CreateTopics    bool     `mapstructure:"create_topics"`
	Partitions      int      `mapstructure:"partitions"`
}

type ProcessorConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	QueueSize  int `mapstructure:"queue_size"`
}

type FormulaConfig struct {
	EvalTimeout time.Duration `mapstructure:"eval_timeout"`
}

type GatewayConfig struct {
	ValidRates []string `mapstructure:"valid_rates"`
}

// CalculatedRateConfig describes one derived rate as written in configuration
type CalculatedRateConfig struct {
	Name       string         `mapstructure:"name"`
	Engine     string         `mapstructure:"engine"`
	Formula    string         `mapstructure:"formula"`
	AskFormula string         `mapstructure:"ask_formula"`
	Inputs     []string       `mapstructure:"inputs"`
	Helpers    []HelperConfig `mapstructure:"helpers"`
}

// HelperConfig is a named numeric constant bound into a formula.
// Helpers are a list rather than a map because viper lower-cases map keys.
type HelperConfig struct {
	Name  string  `mapstructure:"name"`
	Value float64 `mapstructure:"value"`
}

// SubscriberConfig selects a subscriber plugin by type; Params are plugin specific
type SubscriberConfig struct {
	Name   string         `mapstructure:"name"`
	Type   string         `mapstructure:"type"`
	Rates  []string       `mapstructure:"rates"`
	Params map[string]any `mapstructure:"params"`
}

// LoadConfig reads configuration from an optional YAML file, .env file, environment variables, and defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Load .env file into System Environment (if it exists)
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// 2. Set Defaults
	setDefaults(v)

	// 3. Optional config file holding the rate definitions and subscribers
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("unable to read config file %s: %w", path, err)
		}
	}

	// 4. Environment variables ("app.port" -> "APP_PORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v, "app.port", "app.env", "app.cluster_name", "app.member_id", "app.metrics_addr", "app.shutdown_grace")
	bindEnv(v, "logger.level", "logger.file")
	bindEnv(v, "redis.addr", "redis.password", "redis.db", "redis.in_memory")
	bindEnv(v, "kafka.brokers", "kafka.raw_topic", "kafka.calculated_topic", "kafka.create_topics")
	bindEnv(v, "processor.num_workers", "processor.queue_size")
	bindEnv(v, "formula.eval_timeout")

	// 5. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.cluster_name", "rate-hub")
	v.SetDefault("app.member_id", "")
	v.SetDefault("app.metrics_addr", ":9102")
	v.SetDefault("app.shutdown_grace", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.in_memory", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.raw_topic", "rates.raw")
	v.SetDefault("kafka.calculated_topic", "rates.calculated")
	v.SetDefault("kafka.queue_size", 4096)
	v.SetDefault("kafka.create_topics", true)
	v.SetDefault("kafka.partitions", 4)

	v.SetDefault("processor.num_workers", 8)
	v.SetDefault("processor.queue_size", 256)

	v.SetDefault("formula.eval_timeout", 250*time.Millisecond)
}

// Validate checks the settings the hub cannot start without
func (c *Config) Validate() error {
	var errs []error

	if c.App.ClusterName == "" {
		errs = append(errs, errors.New("app.cluster_name cannot be empty"))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers cannot be empty"))
	}
	if c.Kafka.RawTopic == "" || c.Kafka.CalculatedTopic == "" {
		errs = append(errs, errors.New("kafka raw and calculated topics are required"))
	}
	if c.Kafka.RawTopic != "" && c.Kafka.RawTopic == c.Kafka.CalculatedTopic {
		errs = append(errs, errors.New("kafka raw and calculated topics must differ"))
	}
	if c.Processor.NumWorkers <= 0 {
		errs = append(errs, errors.New("processor.num_workers must be positive"))
	}
	if c.Formula.EvalTimeout <= 0 {
		errs = append(errs, errors.New("formula.eval_timeout must be positive"))
	}

	seen := make(map[string]bool)
	for i, def := range c.CalculatedRates {
		if def.Name == "" {
			errs = append(errs, fmt.Errorf("calculated_rates[%d]: name is required", i))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("calculated_rates[%d]: duplicate name %s", i, def.Name))
		}
		seen[def.Name] = true
		if def.Engine == "" {
			errs = append(errs, fmt.Errorf("calculated rate %s: engine is required", def.Name))
		}
		if def.Formula == "" {
			errs = append(errs, fmt.Errorf("calculated rate %s: formula is required", def.Name))
		}
		if len(def.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("calculated rate %s: at least one input is required", def.Name))
		}
		for _, h := range def.Helpers {
			if h.Name == "" {
				errs = append(errs, fmt.Errorf("calculated rate %s: helper without a name", def.Name))
			}
		}
	}

	for i, sub := range c.Subscribers {
		if sub.Type == "" {
			errs = append(errs, fmt.Errorf("subscribers[%d]: type is required", i))
		}
	}

	return errors.Join(errs...)
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
