package config

import (
	"errors"
	"time"

	"hydrocontrol/internal/session"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	DBURL        string `mapstructure:"DB_URL"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	MQTTBroker   string `mapstructure:"MQTT_BROKER"`
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`
	HTTPPort     int    `mapstructure:"HTTP_PORT"`
	MDNSName     string `mapstructure:"MDNS_NAME"`

	RelayPollInterval    time.Duration `mapstructure:"RELAY_POLL_INTERVAL"`
	TopologyPollInterval time.Duration `mapstructure:"TOPOLOGY_POLL_INTERVAL"`
	AckPollInterval      time.Duration `mapstructure:"ACK_POLL_INTERVAL"`
	ECPollInterval       time.Duration `mapstructure:"EC_POLL_INTERVAL"`
	JustSavedWindow      time.Duration `mapstructure:"JUST_SAVED_WINDOW"`
	AckFeedLimit         int           `mapstructure:"ACK_FEED_LIMIT"`
	WorkerConcurrency    int           `mapstructure:"WORKER_CONCURRENCY"`
}

func setDefaults(v *viper.Viper) {
	d := session.DefaultConfig()
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("MQTT_BROKER", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "hydrocontrol")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", 5069)
	v.SetDefault("MDNS_NAME", "hydrocontrol.local")
	v.SetDefault("RELAY_POLL_INTERVAL", d.RelayInterval)
	v.SetDefault("TOPOLOGY_POLL_INTERVAL", d.TopologyInterval)
	v.SetDefault("ACK_POLL_INTERVAL", d.AckInterval)
	v.SetDefault("EC_POLL_INTERVAL", d.ECInterval)
	v.SetDefault("JUST_SAVED_WINDOW", d.JustSavedWindow)
	v.SetDefault("ACK_FEED_LIMIT", d.AckFeedLimit)
	v.SetDefault("WORKER_CONCURRENCY", 10)
}

// LoadConfig reads configuration from config.yaml, .env, or env vars
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	cfg := &Config{
		DBURL:                v.GetString("DB_URL"),
		RedisAddr:            v.GetString("REDIS_ADDR"),
		MQTTBroker:           v.GetString("MQTT_BROKER"),
		MQTTClientID:         v.GetString("MQTT_CLIENT_ID"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		HTTPPort:             v.GetInt("HTTP_PORT"),
		MDNSName:             v.GetString("MDNS_NAME"),
		RelayPollInterval:    v.GetDuration("RELAY_POLL_INTERVAL"),
		TopologyPollInterval: v.GetDuration("TOPOLOGY_POLL_INTERVAL"),
		AckPollInterval:      v.GetDuration("ACK_POLL_INTERVAL"),
		ECPollInterval:       v.GetDuration("EC_POLL_INTERVAL"),
		JustSavedWindow:      v.GetDuration("JUST_SAVED_WINDOW"),
		AckFeedLimit:         v.GetInt("ACK_FEED_LIMIT"),
		WorkerConcurrency:    v.GetInt("WORKER_CONCURRENCY"),
	}
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is required")
	}
	return cfg, nil
}

// Session returns the poller settings of a device session.
func (c *Config) Session() session.Config {
	return session.Config{
		RelayInterval:    c.RelayPollInterval,
		TopologyInterval: c.TopologyPollInterval,
		AckInterval:      c.AckPollInterval,
		ECInterval:       c.ECPollInterval,
		JustSavedWindow:  c.JustSavedWindow,
		AckFeedLimit:     c.AckFeedLimit,
	}
}
