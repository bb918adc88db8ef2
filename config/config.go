package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	TrailBox TrailBoxConfig `yaml:"trailbox"`
	Lastmile LastmileConfig `yaml:"lastmile"`
	Push     PushConfig     `yaml:"push"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,gt=0,lte=65535"`
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host" validate:"required"`
	Port                     int    `yaml:"port" validate:"required,gt=0,lte=65535"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required,gt=0,lte=65535"`
}

type TrailBoxConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds" validate:"gte=0"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds" validate:"gte=0"`
	WorkerBatchSize           int    `yaml:"worker_batch_size" validate:"gte=0,lte=1000"`
	WorkerConcurrency         int    `yaml:"worker_concurrency" validate:"gte=0,lte=64"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute" validate:"gte=0"`
	WorkerLockTTLSeconds      int    `yaml:"worker_lock_ttl_seconds" validate:"gte=0"`

	// Планировщик. Пусто = значения по умолчанию (1ч / 60с / 0 / 6ч).
	WorkerDefaultFetchIntervalSeconds int `yaml:"worker_default_fetch_interval_seconds" validate:"gte=0"`
	WorkerSettleDelaySeconds          int `yaml:"worker_settle_delay_seconds" validate:"gte=0"`
	WorkerSettleJitterSeconds         int `yaml:"worker_settle_jitter_seconds" validate:"gte=0"`
	WorkerLastmileIntervalSeconds     int `yaml:"worker_lastmile_interval_seconds" validate:"gte=0"`

	StopMaxAgeDays   int    `yaml:"stop_max_age_days" validate:"gte=0"`
	StopStaleDays    int    `yaml:"stop_stale_days" validate:"gte=0"`
	StopTerminalCode string `yaml:"stop_terminal_code"`

	CarrierTimeoutSeconds int `yaml:"carrier_timeout_seconds" validate:"gte=0"`

	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" validate:"gte=0"`
	BreakerTimeoutSeconds   int `yaml:"breaker_timeout_seconds" validate:"gte=0"`
	BreakerIntervalSeconds  int `yaml:"breaker_interval_seconds" validate:"gte=0"`

	LockRetryMaxElapsedSeconds int `yaml:"lock_retry_max_elapsed_seconds" validate:"gte=0"`
	LockRetryMaxRetries        int `yaml:"lock_retry_max_retries" validate:"gte=0"`
}

// LastmileConfig: агрегатор последней мили. Пустой token выключает опрос.
type LastmileConfig struct {
	BaseURL        string `yaml:"base_url" validate:"omitempty,url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
}

type PortConfig struct {
	Side string `yaml:"side" validate:"oneof=rec send"`
	Name string `yaml:"name" validate:"required"`
	Code string `yaml:"code" validate:"required"`
}

type PushConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	URL            string                `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	PartnerCode    string                `yaml:"partner_code" validate:"required_if=Enabled true"`
	SignKey        string                `yaml:"sign_key" validate:"required_if=Enabled true"`
	BatchSize      int                   `yaml:"batch_size" validate:"gte=0,lte=1000"`
	TimeoutSeconds int                   `yaml:"timeout_seconds" validate:"gte=0"`
	Ports          map[string]PortConfig `yaml:"ports" validate:"dive"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
