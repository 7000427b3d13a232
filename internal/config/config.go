package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/leadgrid/leadgrid/internal/budget"
	"github.com/leadgrid/leadgrid/internal/deepscan"
	"github.com/leadgrid/leadgrid/internal/kv"
	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/search"
	"github.com/leadgrid/leadgrid/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis  kv.RedisConfig  `yaml:"redis" mapstructure:"redis"`
	Places PlacesConfig    `yaml:"places" mapstructure:"places"`
	Budget budget.Config   `yaml:"budget" mapstructure:"budget"`
	Scan   deepscan.Config `yaml:"scan" mapstructure:"scan"`
	Search search.Config   `yaml:"search" mapstructure:"search"`
	Server ServerConfig    `yaml:"server" mapstructure:"server"`
	Log    LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PlacesConfig holds the Places API client settings. API keys live under
// the budget section because the governor owns credential rotation.
type PlacesConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("budget.unit_cost_mu", 32_000)
	v.SetDefault("budget.daily_ceiling_mu", 50_000_000)
	v.SetDefault("budget.monthly_ceiling_mu", 1_000_000_000)
	v.SetDefault("budget.max_concurrent", 4)
	v.SetDefault("budget.rate_per_second", 10)
	v.SetDefault("scan.base_grid_size", 3)
	v.SetDefault("scan.max_pages_per_cell", 3)
	v.SetDefault("scan.max_depth", 2)
	v.SetDefault("scan.page_size", 20)
	v.SetDefault("scan.state_ttl", 30*24*time.Hour)
	v.SetDefault("search.cache_ttl", 24*time.Hour)
	v.SetDefault("search.durable_ttl", 30*24*time.Hour)
	v.SetDefault("search.lock_ttl", 2*time.Minute)
	v.SetDefault("search.wait_interval", 250*time.Millisecond)
	v.SetDefault("search.wait_window", 15*time.Second)
	v.SetDefault("search.fill_call_budget", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Search.Tiers) == 0 {
		cfg.Search.Tiers = DefaultTiers()
	}
	return &cfg, nil
}

// Validate checks that the fields required by the given run mode are set.
// Modes are command names: "serve", "search", "migrate".
func (c *Config) Validate(mode string) error {
	var missing []string

	requireDB := func() {
		if c.Store.DatabaseURL == "" && c.Store.Driver != "sqlite" {
			missing = append(missing, "store.database_url is required")
		}
	}

	switch mode {
	case "serve":
		requireDB()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "search", "migrate":
		requireDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Scan.BaseGridSize < 1 || c.Scan.BaseGridSize > 10 {
		missing = append(missing, "scan.base_grid_size must be between 1 and 10")
	}
	if c.Budget.MaxConcurrent < 1 {
		missing = append(missing, "budget.max_concurrent must be >= 1")
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// DefaultTiers is the built-in plan table, used unless the config file
// provides one. Costs are in credits.
func DefaultTiers() map[string]model.Tier {
	return map[string]model.Tier{
		"free": {
			Name: "free", GridSize: 2, PageSize: 20, MaxResults: 60,
			SearchCost: 10, PageCost: 3, CacheHitCost: 2, MonthlySpendMu: 2_000_000,
		},
		"starter": {
			Name: "starter", GridSize: 3, PageSize: 20, MaxResults: 200,
			SearchCost: 8, PageCost: 2, CacheHitCost: 1, MonthlySpendMu: 20_000_000,
		},
		"pro": {
			Name: "pro", GridSize: 4, PageSize: 60, MaxResults: 1000,
			SearchCost: 5, PageCost: 1, CacheHitCost: 1, MonthlySpendMu: 100_000_000,
		},
		"enterprise": {
			Name: "enterprise", GridSize: 5, PageSize: 60, MaxResults: 5000,
			SearchCost: 3, PageCost: 1, CacheHitCost: 1,
		},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
