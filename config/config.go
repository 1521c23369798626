package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig        `yaml:"app"`
	Logging   LoggingConfig    `yaml:"logging"`
	Router    RouterConfig     `yaml:"router"`
	Reconnect ReconnectConfig  `yaml:"reconnect"`
	Storage   StorageConfig    `yaml:"storage"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Dashboard DashboardConfig  `yaml:"dashboard"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Sink      SinkConfig       `yaml:"sink"`
	Providers []ProviderConfig `yaml:"providers"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// RouterConfig holds the ring size of each broadcast stream.
type RouterConfig struct {
	TickerBuffer    int `yaml:"ticker_buffer"`
	OrderBookBuffer int `yaml:"orderbook_buffer"`
	TradeBuffer     int `yaml:"trade_buffer"`
	CandleBuffer    int `yaml:"candle_buffer"`
	StatusBuffer    int `yaml:"status_buffer"`
}

type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type GatewayConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     string        `yaml:"address"`
	ClientQueue int           `yaml:"client_queue"`
	PingPeriod  time.Duration `yaml:"ping_period"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	LogHistory     int           `yaml:"log_history"`
	MetricsHistory int           `yaml:"metrics_history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

const (
	SinkNone  = "none"
	SinkKafka = "kafka"
	SinkRedis = "redis"
	SinkS3    = "s3"
)

type SinkConfig struct {
	Kind       string      `yaml:"kind"`
	Categories []string    `yaml:"categories"`
	Kafka      KafkaConfig `yaml:"kafka"`
	Redis      RedisConfig `yaml:"redis"`
	S3         S3Config    `yaml:"s3"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// S3Config configures the parquet archive sink. Objects are flushed every
// FlushInterval or once a partition holds BatchSize rows.
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

// ProviderConfig declares a provider in the config file. Declared providers
// are written to the store at startup.
type ProviderConfig struct {
	Name          string                 `yaml:"name"`
	Endpoint      string                 `yaml:"endpoint"`
	APIKey        string                 `yaml:"api_key"`
	APISecret     string                 `yaml:"api_secret"`
	Enabled       bool                   `yaml:"enabled"`
	Params        map[string]interface{} `yaml:"params"`
	Subscriptions []SubscriptionConfig   `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Channel string `yaml:"channel"`
	Symbol  string `yaml:"symbol"`
}

// ParamsJSON encodes the provider parameters for storage.
func (p ProviderConfig) ParamsJSON() (json.RawMessage, error) {
	if len(p.Params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p.Params)
	if err != nil {
		return nil, fmt.Errorf("providers.%s.params: %w", p.Name, err)
	}
	return data, nil
}

func defaults() Config {
	return Config{
		App: AppConfig{Name: "quoteflow"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Router: RouterConfig{
			TickerBuffer:    1000,
			OrderBookBuffer: 1000,
			TradeBuffer:     1000,
			CandleBuffer:    1000,
			StatusBuffer:    1000,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:  time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "quoteflow.db",
		},
		Gateway: GatewayConfig{
			Address:     "0.0.0.0:8090",
			ClientQueue: 1000,
			PingPeriod:  30 * time.Second,
		},
		Dashboard: DashboardConfig{
			Address:        "0.0.0.0:8080",
			LogHistory:     200,
			MetricsHistory: 200,
			SampleInterval: 5 * time.Second,
		},
		Sink: SinkConfig{
			Kind:  SinkNone,
			Redis: RedisConfig{ChannelPrefix: "quoteflow"},
			S3: S3Config{
				Prefix:        "market",
				FlushInterval: time.Minute,
				BatchSize:     5000,
			},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUOTEFLOW_DB_DSN"); v != "" {
		cfg.Storage.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sink.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Sink.Kafka.Brokers = brokers
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		if cfg.Metrics.CloudWatch.Region == "" {
			cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if cfg.Sink.S3.Region == "" {
			cfg.Sink.S3.Region = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Sink.S3.Bucket = strings.TrimSpace(v)
	}

	for i := range cfg.Providers {
		prefix := envPrefix(cfg.Providers[i].Name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			cfg.Providers[i].APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			cfg.Providers[i].APISecret = strings.TrimSpace(v)
		}
	}
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	buffers := []struct {
		name string
		size int
	}{
		{"router.ticker_buffer", cfg.Router.TickerBuffer},
		{"router.orderbook_buffer", cfg.Router.OrderBookBuffer},
		{"router.trade_buffer", cfg.Router.TradeBuffer},
		{"router.candle_buffer", cfg.Router.CandleBuffer},
		{"router.status_buffer", cfg.Router.StatusBuffer},
	}
	for _, b := range buffers {
		if b.size <= 0 {
			return fmt.Errorf("%s must be greater than 0", b.name)
		}
	}

	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}

	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver '%s' is not supported", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	if cfg.Gateway.Enabled && cfg.Gateway.ClientQueue <= 0 {
		return fmt.Errorf("gateway.client_queue must be greater than 0")
	}

	switch cfg.Sink.Kind {
	case "", SinkNone:
	case SinkKafka:
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required when sink.kind is kafka")
		}
		if cfg.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic is required when sink.kind is kafka")
		}
	case SinkRedis:
		if cfg.Sink.Redis.Addr == "" {
			return fmt.Errorf("sink.redis.addr is required when sink.kind is redis")
		}
	case SinkS3:
		if cfg.Sink.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.bucket is required when sink.kind is s3")
		}
		if cfg.Sink.S3.FlushInterval <= 0 {
			return fmt.Errorf("sink.s3.flush_interval must be greater than 0")
		}
		if cfg.Sink.S3.BatchSize <= 0 {
			return fmt.Errorf("sink.s3.batch_size must be greater than 0")
		}
	default:
		return fmt.Errorf("sink.kind '%s' is not supported", cfg.Sink.Kind)
	}
	for _, c := range cfg.Sink.Categories {
		switch c {
		case "ticker", "orderbook", "trade", "candle", "status":
		default:
			return fmt.Errorf("sink.categories contains unknown category '%s'", c)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if strings.Contains(p.Name, ".") {
			return fmt.Errorf("providers[%d].name '%s' must not contain '.'", i, p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d].name '%s' is declared twice", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		for j, s := range p.Subscriptions {
			if s.Channel == "" || s.Symbol == "" {
				return fmt.Errorf("providers[%d].subscriptions[%d] needs channel and symbol", i, j)
			}
		}
	}

	return nil
}
