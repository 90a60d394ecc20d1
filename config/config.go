package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Nearby   NearbyConfig   `mapstructure:"nearby"`
}

type ServerConfig struct {
	Port     int      `mapstructure:"port"`
	Debug    bool     `mapstructure:"debug"`
	AdminKey string   `mapstructure:"admin_key"`
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | mysql | memory
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
	SlowQuery    time.Duration `mapstructure:"slow_query"`
}

type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SubscriberBuf int           `mapstructure:"subscriber_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTL         time.Duration `mapstructure:"jwt_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	RevokeOnLogout bool          `mapstructure:"revoke_on_logout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type UploadConfig struct {
	Backend      string   `mapstructure:"backend"` // disk | gridfs
	Dir          string   `mapstructure:"dir"`
	URLPrefix    string   `mapstructure:"url_prefix"`
	MaxBytes     int64    `mapstructure:"max_bytes"`
	AllowedExts  []string `mapstructure:"allowed_exts"`
	MongoURI     string   `mapstructure:"mongo_uri"`
	MongoDB      string   `mapstructure:"mongo_database"`
	GridFSBucket string   `mapstructure:"gridfs_bucket"`
}

type NearbyConfig struct {
	DefaultRadiusM float64       `mapstructure:"default_radius_m"`
	MaxRadiusM     float64       `mapstructure:"max_radius_m"`
	Freshness      time.Duration `mapstructure:"freshness"`
}

// Load reads config from the given YAML file path, then applies NEARCHAT_*
// environment overrides. A .env file in the working directory is loaded first
// when present. A missing YAML file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NEARCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Security.JWTSecret == "" {
		return nil, errors.New("config: security.jwt_secret is required")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.admin_ips", []string{})
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/chat.db")
	v.SetDefault("database.mysql_dsn", "")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "nearchat:")
	v.SetDefault("cache.sweep_interval", "30s")
	v.SetDefault("cache.subscriber_buf", 256)
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_ttl", "720h")
	v.SetDefault("security.bcrypt_cost", 10)
	v.SetDefault("security.revoke_on_logout", false)
	v.SetDefault("security.rate_limit_rps", 50)
	v.SetDefault("security.rate_limit_burst", 100)
	v.SetDefault("security.allowed_origins", []string{})
	v.SetDefault("upload.backend", "disk")
	v.SetDefault("upload.dir", "./uploads")
	v.SetDefault("upload.url_prefix", "/uploads")
	v.SetDefault("upload.max_bytes", 20<<20)
	v.SetDefault("upload.allowed_exts", []string{
		".png", ".jpg", ".jpeg", ".gif", ".webp",
		".mp3", ".wav", ".ogg", ".webm", ".m4a",
		".mp4", ".mov",
		".pdf", ".txt", ".zip", ".doc", ".docx",
	})
	v.SetDefault("upload.mongo_uri", "")
	v.SetDefault("upload.mongo_database", "nearchat")
	v.SetDefault("upload.gridfs_bucket", "uploads")
	v.SetDefault("nearby.default_radius_m", 100)
	v.SetDefault("nearby.max_radius_m", 50000)
	v.SetDefault("nearby.freshness", "5m")
}
