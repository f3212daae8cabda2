package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const Prefix = "farmchat"

type Config struct {
	Addr    string `envconfig:"addr" default:":8080"`
	Backend string `envconfig:"backend" default:"sqlite"`
	DBPath  string `envconfig:"db_path" default:"farmchat.db"`
	// SnapshotPath is used by the snapshot backend.
	SnapshotPath string        `envconfig:"snapshot_path" default:"farmchat.json"`
	StoreTimeout time.Duration `envconfig:"store_timeout" default:"5s"`

	JWTSecret string `envconfig:"jwt_secret" required:"true"`

	DirectoryFile    string        `envconfig:"directory_file"`
	IdentityURL      string        `envconfig:"identity_url"`
	IdentityToken    string        `envconfig:"identity_token"`
	IdentityCacheLen int           `envconfig:"identity_cache_size" default:"4096"`
	IdentityCacheTTL time.Duration `envconfig:"identity_cache_ttl" default:"1m"`

	RedisAddr     string `envconfig:"redis_addr"`
	RedisPassword string `envconfig:"redis_password"`
	RedisDB       int    `envconfig:"redis_db"`
	RedisChannel  string `envconfig:"redis_channel" default:"farmchat:events"`

	SendRate        float64       `envconfig:"send_rate" default:"5"`
	SendBurst       int           `envconfig:"send_burst" default:"20"`
	DispatchQueue   int           `envconfig:"dispatch_queue" default:"1024"`
	DispatchWorkers int           `envconfig:"dispatch_workers" default:"4"`
	SubscriberBuf   int           `envconfig:"subscriber_buffer" default:"64"`
	KeepAlive       time.Duration `envconfig:"keepalive" default:"15s"`

	OTLPEndpoint string `envconfig:"otlp_endpoint"`
	OTLPInsecure bool   `envconfig:"otlp_insecure" default:"true"`
	LogLevel     string `envconfig:"log_level" default:"info"`
	Development  bool   `envconfig:"development"`
}

// Load reads envFile (when present) into the process environment and then
// decodes FARMCHAT_* variables. Variables already set win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	c := &Config{}
	if err := envconfig.Process(Prefix, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case "memory", "sqlite", "snapshot":
	default:
		return fmt.Errorf("unknown backend %q (want memory, sqlite or snapshot)", c.Backend)
	}
	if len(c.JWTSecret) < 16 {
		return errors.New("jwt secret must be at least 16 bytes")
	}
	if c.DirectoryFile == "" && c.IdentityURL == "" {
		return errors.New("one of directory_file or identity_url is required")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("store_timeout must be positive")
	}
	return nil
}
