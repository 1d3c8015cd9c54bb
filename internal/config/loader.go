package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
	// Store selects the persistence backend: "memory" or "mongo".
	Store string `mapstructure:"store"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Addr               string `mapstructure:"addr"`
	Pass               string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	Prefix             string `mapstructure:"prefix"`
	PresenceTTLSeconds int    `mapstructure:"presence_ttl_seconds"`
	BackboneEnabled    bool   `mapstructure:"backbone_enabled"`
	BackboneChannel    string `mapstructure:"backbone_channel"`
}

type KafkaConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	Brokers                []string `mapstructure:"brokers"`
	TopicEvents            string   `mapstructure:"topic_events"`
	TopicAudit             string   `mapstructure:"topic_audit"`
	GroupID                string   `mapstructure:"group_id"`
	RetryMaxElapsedSeconds int      `mapstructure:"retry_max_elapsed_seconds"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	PongWaitSeconds      int   `mapstructure:"pong_wait_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	RatePerSecond        int   `mapstructure:"rate_per_second"`
	RateBurst            int   `mapstructure:"rate_burst"`
}

type ChatConfig struct {
	Greeting string `mapstructure:"greeting"`
	Stripes  int    `mapstructure:"stripes"`
}

type Config struct {
	App   AppConfig   `mapstructure:"app"`
	JWT   JWTConfig   `mapstructure:"jwt"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	WS    WSConfig    `mapstructure:"ws"`
	Chat  ChatConfig  `mapstructure:"chat"`

	// derived/timeouts
	PingInterval    time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	PresenceTTL     time.Duration `mapstructure:"-"`
	RetryMaxElapsed time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8085)
	v.SetDefault("app.store", "memory")

	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "ops_relay")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "relay")
	v.SetDefault("redis.presence_ttl_seconds", 60)
	v.SetDefault("redis.backbone_enabled", false)
	v.SetDefault("redis.backbone_channel", "relay:backbone")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_events", "ops.domain-events")
	v.SetDefault("kafka.topic_audit", "ops.relay-audit")
	v.SetDefault("kafka.group_id", "ops-relay")
	v.SetDefault("kafka.retry_max_elapsed_seconds", 30)

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_per_second", 20)
	v.SetDefault("ws.rate_burst", 40)

	v.SetDefault("chat.greeting", "")
	v.SetDefault("chat.stripes", 64)
}

// Load reads .env (if any), the YAML file at path (if it exists) and RELAY_*
// environment overrides, in that order of precedence from lowest to highest.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// comma separated brokers from env arrive as a single element
	if len(c.Kafka.Brokers) == 1 && strings.Contains(c.Kafka.Brokers[0], ",") {
		c.Kafka.Brokers = strings.Split(c.Kafka.Brokers[0], ",")
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.PresenceTTL = time.Duration(c.Redis.PresenceTTLSeconds) * time.Second
	c.RetryMaxElapsed = time.Duration(c.Kafka.RetryMaxElapsedSeconds) * time.Second

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.algorithm %q", c.JWT.Algorithm)
	}
	if c.App.Store != "memory" && c.App.Store != "mongo" {
		return fmt.Errorf("unsupported app.store %q", c.App.Store)
	}
	if c.PongWait <= c.PingInterval {
		return errors.New("ws.pong_wait_seconds must exceed ws.ping_interval_seconds")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	return nil
}
