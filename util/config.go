package util

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const Name = "fedengine"
const ConfigFileName = "config.yaml"
const EnvPrefix = "FEDENGINE_"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf       ServerConf     `yaml:"conf" envPrefix:"CONF_"`
	Database   DatabaseConf   `yaml:"database" envPrefix:"DB_"`
	Redis      RedisConf      `yaml:"redis" envPrefix:"REDIS_"`
	Kafka      KafkaConf      `yaml:"kafka" envPrefix:"KAFKA_"`
	Federation FederationConf `yaml:"federation" envPrefix:"FEDERATION_"`
	Queue      QueueConf      `yaml:"queue" envPrefix:"QUEUE_"`
	Cache      CacheConf      `yaml:"cache" envPrefix:"CACHE_"`
	Move       MoveConf       `yaml:"move" envPrefix:"MOVE_"`
	Log        LogConf        `yaml:"log" envPrefix:"LOG_"`
}

type ServerConf struct {
	Host      string `yaml:"host" env:"HOST"`
	HttpPort  int    `yaml:"httpPort" env:"HTTPPORT"`
	SslDomain string `yaml:"sslDomain" env:"SSLDOMAIN"`
	Single    bool   `yaml:"single" env:"SINGLE"`
}

type DatabaseConf struct {
	Path string `yaml:"path" env:"PATH"`
}

type RedisConf struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type KafkaConf struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

type FederationConf struct {
	BlockedHosts        []string      `yaml:"blockedHosts" env:"BLOCKED_HOSTS" envSeparator:","`
	UserAgent           string        `yaml:"userAgent" env:"USER_AGENT"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	DeliverTimeout      time.Duration `yaml:"deliverTimeout" env:"DELIVER_TIMEOUT"`
	MaxObjectSize       int64         `yaml:"maxObjectSize" env:"MAX_OBJECT_SIZE"`
	AllowPrivateNetwork bool          `yaml:"allowPrivateNetwork" env:"ALLOW_PRIVATE_NETWORK"`
	LdSignatures        bool          `yaml:"ldSignatures" env:"LD_SIGNATURES"`
	StaleAfter          time.Duration `yaml:"staleAfter" env:"STALE_AFTER"`
}

type QueueClassConf struct {
	Concurrency int     `yaml:"concurrency" env:"CONCURRENCY"`
	Rps         float64 `yaml:"rps" env:"RPS"`
	MaxAttempts int     `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
}

type QueueConf struct {
	PollInterval   time.Duration  `yaml:"pollInterval" env:"POLL_INTERVAL"`
	Lease          time.Duration  `yaml:"lease" env:"LEASE"`
	BackoffBase    time.Duration  `yaml:"backoffBase" env:"BACKOFF_BASE"`
	BackoffMax     time.Duration  `yaml:"backoffMax" env:"BACKOFF_MAX"`
	Deliver        QueueClassConf `yaml:"deliver" envPrefix:"DELIVER_"`
	Inbox          QueueClassConf `yaml:"inbox" envPrefix:"INBOX_"`
	WebhookDeliver QueueClassConf `yaml:"webhookDeliver" envPrefix:"WEBHOOK_"`
	Relationship   QueueClassConf `yaml:"relationship" envPrefix:"RELATIONSHIP_"`
	DB             QueueClassConf `yaml:"db" envPrefix:"DB_"`
}

type CacheConf struct {
	MemorySize int           `yaml:"memorySize" env:"MEMORY_SIZE"`
	MemoryTTL  time.Duration `yaml:"memoryTTL" env:"MEMORY_TTL"`
	SharedTTL  time.Duration `yaml:"sharedTTL" env:"SHARED_TTL"`
}

type MoveConf struct {
	UnfollowDelay time.Duration `yaml:"unfollowDelay" env:"UNFOLLOW_DELAY"`
	Cooldown      time.Duration `yaml:"cooldown" env:"COOLDOWN"`
}

type LogConf struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// BaseURL is the scheme and authority every local URI is built on.
func (c *AppConfig) BaseURL() string {
	return "https://" + c.Conf.SslDomain
}

// DefaultConf returns the embedded defaults without touching the filesystem
// or the environment.
func DefaultConf() (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	return c, nil
}

// ReadConf loads the config file at path (or the resolved default location
// when path is empty), falling back to the embedded defaults, then applies
// FEDENGINE_* environment overrides.
func ReadConf(path string) (*AppConfig, error) {
	c, err := DefaultConf()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = ResolveFilePath(ConfigFileName)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		writeDefaultConf()
	} else if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("in environment: %w", err)
	}

	return c, c.validate()
}

func writeDefaultConf() {
	configDir, err := GetConfigDir()
	if err != nil {
		return
	}
	userConfigPath := configDir + "/" + ConfigFileName
	if _, err := os.Stat(userConfigPath); err == nil {
		return
	}
	_ = os.WriteFile(userConfigPath, embeddedConfig, 0644)
}

func (c *AppConfig) validate() error {
	if c.Conf.SslDomain == "" {
		return fmt.Errorf("conf.sslDomain must be set")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return fmt.Errorf("queue backoff must satisfy 0 < base <= max")
	}
	return nil
}
