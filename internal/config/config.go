package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	CRS        CRSConfig        `yaml:"crs" mapstructure:"crs"`
	Features   FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Census     CensusConfig     `yaml:"census" mapstructure:"census"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// CRSConfig names the two coordinate reference systems the engine switches
// between: geographic for source lookups, projected for metric computations.
type CRSConfig struct {
	GeographicEPSG int `yaml:"geographic_epsg" mapstructure:"geographic_epsg"`
	ProjectedEPSG  int `yaml:"projected_epsg" mapstructure:"projected_epsg"`
}

// FeaturesConfig points at the feature descriptor table. An empty path
// selects the table compiled into the binary.
type FeaturesConfig struct {
	SpecPath string `yaml:"spec_path" mapstructure:"spec_path"`
}

// SourcesConfig configures the external attribute providers.
type SourcesConfig struct {
	UserFile string         `yaml:"user_file" mapstructure:"user_file"`
	Order    []string       `yaml:"order" mapstructure:"order"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	OSM      OSMConfig      `yaml:"osm" mapstructure:"osm"`
	// Remote providers stop being called for BreakerCooldownSecs after
	// BreakerFailures consecutive failures.
	BreakerFailures     int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// DatabaseConfig configures the building attribute web service.
type DatabaseConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OSMConfig configures the Overpass API client.
type OSMConfig struct {
	OverpassURL string  `yaml:"overpass_url" mapstructure:"overpass_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Disabled    bool    `yaml:"disabled" mapstructure:"disabled"`
}

// CacheConfig configures the optional Redis cache for provider answers.
type CacheConfig struct {
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
	TTLHours  int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

// CensusConfig configures census section loading.
type CensusConfig struct {
	Shapefile string `yaml:"shapefile" mapstructure:"shapefile"`
	IDField   string `yaml:"id_field" mapstructure:"id_field"`
	// EPSG is the CRS of the shapefile coordinates; .prj files are not read.
	EPSG      int      `yaml:"epsg" mapstructure:"epsg"`
	CopyAttrs []string `yaml:"copy_attrs" mapstructure:"copy_attrs"`
}

// StoreConfig configures the database backend for run reports.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MetricsConfig configures the Prometheus text dump written after a run.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	UnresolvedRateThreshold float64 `yaml:"unresolved_rate_threshold" mapstructure:"unresolved_rate_threshold"`
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
	v.SetConfigName("ubem")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("UBEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("crs.geographic_epsg", 4326)
	v.SetDefault("crs.projected_epsg", 32632)
	v.SetDefault("features.spec_path", "")
	v.SetDefault("sources.order", []string{"user", "database", "osm"})
	v.SetDefault("sources.breaker_failures", 3)
	v.SetDefault("sources.breaker_cooldown_secs", 300)
	v.SetDefault("sources.database.url", "")
	v.SetDefault("sources.database.timeout_secs", 30)
	v.SetDefault("sources.osm.overpass_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("sources.osm.timeout_secs", 60)
	v.SetDefault("sources.osm.rate_per_sec", 1.0)
	v.SetDefault("sources.osm.disabled", false)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("census.id_field", "SEZ2011")
	v.SetDefault("census.epsg", 32632)
	v.SetDefault("census.copy_attrs", []string{"E3", "E4", "E8", "E9", "E10", "E11", "E12", "E13", "E14", "E15", "E16", "PF1", "P1"})
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "ubem.db")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.unresolved_rate_threshold", 0.2)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	if c.CRS.GeographicEPSG <= 0 || c.CRS.ProjectedEPSG <= 0 {
		return eris.New("config: crs epsg codes must be positive")
	}
	if c.CRS.GeographicEPSG == c.CRS.ProjectedEPSG {
		return eris.Errorf("config: geographic and projected crs are both EPSG:%d", c.CRS.ProjectedEPSG)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
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
