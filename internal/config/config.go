package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	MDNS     MDNSConfig     `mapstructure:"mdns"`
}

type AppConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Namespace      string        `mapstructure:"namespace"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type EngineConfig struct {
	EvalInterval time.Duration `mapstructure:"eval_interval"`
	IndexRefresh time.Duration `mapstructure:"index_refresh"`
	PassDeadline time.Duration `mapstructure:"pass_deadline"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type QueueConfig struct {
	Lanes        int           `mapstructure:"lanes"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	AckWindow    time.Duration `mapstructure:"ack_window"`
}

type IngestConfig struct {
	Shards     int `mapstructure:"shards"`
	ShardDepth int `mapstructure:"shard_depth"`
	HistoryCap int `mapstructure:"history_cap"`
}

type FanoutConfig struct {
	SendQueue int `mapstructure:"send_queue"`
}

type MDNSConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	LocalName string `mapstructure:"local_name"`
}

// LoadConfig reads configuration from config.yaml, .env, or env vars.
func LoadConfig() (*Config, error) {
	// .env is optional; env vars and config.yaml still apply without it
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("app.port", 5069)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.log_format", "json")
	viper.SetDefault("mqtt.client_id", "greenhouse-core")
	viper.SetDefault("mqtt.namespace", "greenhouse")
	viper.SetDefault("mqtt.reconnect_max", 2*time.Minute)
	viper.SetDefault("mqtt.connect_timeout", 10*time.Second)
	viper.SetDefault("engine.eval_interval", 30*time.Second)
	viper.SetDefault("engine.index_refresh", time.Minute)
	viper.SetDefault("engine.pass_deadline", 20*time.Second)
	viper.SetDefault("engine.max_staleness", 5*time.Minute)
	viper.SetDefault("engine.concurrency", 10)
	viper.SetDefault("queue.lanes", 8)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.backoff_base", 2*time.Second)
	viper.SetDefault("queue.backoff_cap", 2*time.Minute)
	viper.SetDefault("queue.lease_timeout", 30*time.Second)
	viper.SetDefault("queue.ack_window", time.Minute)
	viper.SetDefault("ingest.shards", 8)
	viper.SetDefault("ingest.shard_depth", 64)
	viper.SetDefault("ingest.history_cap", 100)
	viper.SetDefault("fanout.send_queue", 32)
	viper.SetDefault("mdns.enabled", false)
	viper.SetDefault("mdns.local_name", "greenhouse.local")
}
