package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"xandindexer/storage"
	"xandindexer/utils"
)

type Config struct {
	Env      string              `mapstructure:"env"`
	LogLevel string              `mapstructure:"log_level"`
	Server   ServerConfig        `mapstructure:"server"`
	PRPC     PRPCConfig          `mapstructure:"prpc"`
	Chain    ChainConfig         `mapstructure:"chain"`
	Indexer  IndexerConfig       `mapstructure:"indexer"`
	GeoIP    GeoIPConfig         `mapstructure:"geoip"`
	Storage  storage.Config      `mapstructure:"storage"`
	Redis    RedisConfig         `mapstructure:"redis"`
	Discord  DiscordConfig       `mapstructure:"discord"`
	Versions utils.VersionConfig `mapstructure:"versions"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PRPCConfig struct {
	Seeds           []string      `mapstructure:"seeds"`
	DefaultPort     int           `mapstructure:"default_port"`
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`
	StatsTimeout    time.Duration `mapstructure:"stats_timeout"`
	NodeTimeout     time.Duration `mapstructure:"node_timeout"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	// probe public nodes with get-stats each cycle
	ProbeNodes bool `mapstructure:"probe_nodes"`
}

type ChainConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type IndexerConfig struct {
	IntervalMS       int     `mapstructure:"interval_ms"`
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
	AutoStart        bool    `mapstructure:"autostart"`

	// Prefer averages over stored snapshots to single-cycle figures
	PreferHistory      bool          `mapstructure:"prefer_history"`
	HistoryWindow      time.Duration `mapstructure:"history_window"`
	AnomalyLookback    time.Duration `mapstructure:"anomaly_lookback"`
	AnomalyMinHistory  int           `mapstructure:"anomaly_min_history"`
	PerformanceSamples int           `mapstructure:"performance_samples"`
	// Snapshots older than this are pruned after each cycle; 0 keeps everything
	Retention time.Duration `mapstructure:"retention"`
}

func (c IndexerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

type GeoIPConfig struct {
	// "server" resolves through the database and API, "heuristic" never leaves the process
	Mode       string        `mapstructure:"mode"`
	DBPath     string        `mapstructure:"db_path"`
	APIBaseURL string        `mapstructure:"api_base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MinSpacing time.Duration `mapstructure:"min_spacing"`
}

type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Enabled  bool          `mapstructure:"enabled"`
	UseTLS   bool          `mapstructure:"use_tls"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type DiscordConfig struct {
	BotToken  string `mapstructure:"bot_token"`
	ChannelID string `mapstructure:"channel_id"`
}

func (d DiscordConfig) Enabled() bool {
	return d.BotToken != "" && d.ChannelID != ""
}

// Load reads .env, then the config file (if any), then environment
// variables. An explicit cfgFile must exist; the default search path may not.
func Load(cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("config")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("XANDINDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if !v.IsSet("indexer.autostart") {
		cfg.Indexer.AutoStart = cfg.Env == "development"
	}
	cfg.PRPC.Seeds = cleanList(cfg.PRPC.Seeds)
	cfg.Chain.Endpoints = cleanList(cfg.Chain.Endpoints)
	cfg.Server.AllowedOrigins = cleanList(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.PRPC.Seeds) == 0 {
		return fmt.Errorf("prpc.seeds is required (or set SEED_NODES)")
	}
	if c.Indexer.IntervalMS <= 0 {
		return fmt.Errorf("indexer.interval_ms must be positive, got %d", c.Indexer.IntervalMS)
	}
	if c.Indexer.AnomalyThreshold <= 0 {
		return fmt.Errorf("indexer.anomaly_threshold must be positive, got %v", c.Indexer.AnomalyThreshold)
	}
	if c.PRPC.BatchSize <= 0 {
		return fmt.Errorf("prpc.batch_size must be positive, got %d", c.PRPC.BatchSize)
	}
	switch c.Storage.Driver {
	case storage.DriverSQLite, storage.DriverMongo:
	default:
		return fmt.Errorf("unknown storage.driver %q (want %s or %s)", c.Storage.Driver, storage.DriverSQLite, storage.DriverMongo)
	}
	switch c.GeoIP.Mode {
	case "server", "heuristic":
	default:
		return fmt.Errorf("unknown geoip.mode %q", c.GeoIP.Mode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("prpc.seeds", []string{})
	v.SetDefault("prpc.default_port", 6000)
	v.SetDefault("prpc.presence_timeout", 5*time.Second)
	v.SetDefault("prpc.stats_timeout", 10*time.Second)
	v.SetDefault("prpc.node_timeout", 3*time.Second)
	v.SetDefault("prpc.batch_size", 10)
	v.SetDefault("prpc.max_retries", 1)
	v.SetDefault("prpc.probe_nodes", true)

	v.SetDefault("chain.endpoints", []string{})
	v.SetDefault("chain.timeout", 10*time.Second)

	v.SetDefault("indexer.interval_ms", 30000)
	v.SetDefault("indexer.anomaly_threshold", 2.5)
	v.SetDefault("indexer.prefer_history", true)
	v.SetDefault("indexer.history_window", 30*24*time.Hour)
	v.SetDefault("indexer.anomaly_lookback", 24*time.Hour)
	v.SetDefault("indexer.anomaly_min_history", 10)
	v.SetDefault("indexer.performance_samples", 10)
	v.SetDefault("indexer.retention", time.Duration(0))

	v.SetDefault("geoip.mode", "server")
	v.SetDefault("geoip.db_path", "")
	v.SetDefault("geoip.api_base_url", "http://ip-api.com")
	v.SetDefault("geoip.timeout", 5*time.Second)
	v.SetDefault("geoip.min_spacing", 50*time.Millisecond)

	v.SetDefault("storage.driver", storage.DriverSQLite)
	v.SetDefault("storage.sqlite_path", "xandindexer.db")
	v.SetDefault("storage.busy_timeout", 5*time.Second)
	v.SetDefault("storage.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo_database", "xandeum_analytics")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.use_tls", false)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("discord.bot_token", "")
	v.SetDefault("discord.channel_id", "")

	v.SetDefault("versions.current_stable", utils.DefaultVersionConfig.CurrentStable)
	v.SetDefault("versions.min_supported", utils.DefaultVersionConfig.MinSupported)
	v.SetDefault("versions.deprecated", utils.DefaultVersionConfig.Deprecated)
}

// Flat env names used by earlier deployments, alongside the prefixed form.
var legacyEnv = [][3]string{
	{"env", "XANDINDEXER_ENV", "APP_ENV"},
	{"log_level", "XANDINDEXER_LOG_LEVEL", "LOG_LEVEL"},
	{"server.port", "XANDINDEXER_SERVER_PORT", "SERVER_PORT"},
	{"server.host", "XANDINDEXER_SERVER_HOST", "SERVER_HOST"},
	{"server.allowed_origins", "XANDINDEXER_SERVER_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
	{"prpc.seeds", "XANDINDEXER_PRPC_SEEDS", "SEED_NODES"},
	{"prpc.default_port", "XANDINDEXER_PRPC_DEFAULT_PORT", "PRPC_PORT"},
	{"prpc.max_retries", "XANDINDEXER_PRPC_MAX_RETRIES", "PRPC_MAX_RETRIES"},
	{"chain.endpoints", "XANDINDEXER_CHAIN_ENDPOINTS", "RPC_ENDPOINTS"},
	{"indexer.interval_ms", "XANDINDEXER_INDEXER_INTERVAL_MS", "INDEXER_INTERVAL_MS"},
	{"indexer.anomaly_threshold", "XANDINDEXER_INDEXER_ANOMALY_THRESHOLD", "ANOMALY_THRESHOLD"},
	{"indexer.autostart", "XANDINDEXER_INDEXER_AUTOSTART", "INDEXER_AUTOSTART"},
	{"geoip.db_path", "XANDINDEXER_GEOIP_DB_PATH", "GEOIP_DB_PATH"},
	{"storage.driver", "XANDINDEXER_STORAGE_DRIVER", "STORAGE_DRIVER"},
	{"storage.mongo_uri", "XANDINDEXER_STORAGE_MONGO_URI", "MONGODB_URI"},
	{"storage.mongo_database", "XANDINDEXER_STORAGE_MONGO_DATABASE", "MONGODB_DATABASE"},
	{"redis.address", "XANDINDEXER_REDIS_ADDRESS", "REDIS_ADDRESS"},
	{"redis.password", "XANDINDEXER_REDIS_PASSWORD", "REDIS_PASSWORD"},
	{"redis.db", "XANDINDEXER_REDIS_DB", "REDIS_DB"},
	{"redis.enabled", "XANDINDEXER_REDIS_ENABLED", "REDIS_ENABLED"},
	{"discord.bot_token", "XANDINDEXER_DISCORD_BOT_TOKEN", "DISCORD_BOT_TOKEN"},
	{"discord.channel_id", "XANDINDEXER_DISCORD_CHANNEL_ID", "DISCORD_CHANNEL_ID"},
}

func bindLegacyEnv(v *viper.Viper) error {
	var errs []error
	for _, b := range legacyEnv {
		if err := v.BindEnv(b[0], b[1], b[2]); err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", b[0], err))
		}
	}
	return errors.Join(errs...)
}

// cleanList accepts either a list or comma-separated entries and drops blanks.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
