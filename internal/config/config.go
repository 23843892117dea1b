package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atrium-data/rationalize/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Resolution ResolutionConfig `yaml:"resolution" mapstructure:"resolution"`
	Correction CorrectionConfig `yaml:"correction" mapstructure:"correction"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver string           `yaml:"driver" mapstructure:"driver"`
	DSN    string           `yaml:"dsn" mapstructure:"dsn"`
	Pool   store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ResolutionConfig configures automatic entity resolution thresholds.
type ResolutionConfig struct {
	AutoMergeThreshold float64 `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	ReviewThreshold    float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
}

// CorrectionConfig configures the human-correction workflow.
type CorrectionConfig struct {
	PropagationThreshold float64 `yaml:"propagation_threshold" mapstructure:"propagation_threshold"`
	WeakFieldThreshold   float64 `yaml:"weak_field_threshold" mapstructure:"weak_field_threshold"`
}

// RulesConfig configures anomaly detection. File points to a rules.yaml
// overriding the built-in rule set; thresholds below feed the defaults.
type RulesConfig struct {
	File                 string  `yaml:"file" mapstructure:"file"`
	CalcTolerance        float64 `yaml:"calc_tolerance" mapstructure:"calc_tolerance"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	DuplicateWindowDays  int     `yaml:"duplicate_window_days" mapstructure:"duplicate_window_days"`
	PriceDriftMultiplier float64 `yaml:"price_drift_multiplier" mapstructure:"price_drift_multiplier"`
	PriceDriftMinSamples int     `yaml:"price_drift_min_samples" mapstructure:"price_drift_min_samples"`
}

// IngestConfig configures extraction ingestion.
type IngestConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RATIONALIZE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "rationalize.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("resolution.auto_merge_threshold", 0.90)
	v.SetDefault("resolution.review_threshold", 0.50)
	v.SetDefault("correction.propagation_threshold", 0.70)
	v.SetDefault("correction.weak_field_threshold", 0.70)
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.calc_tolerance", 0.01)
	v.SetDefault("rules.confidence_threshold", 0.6)
	v.SetDefault("rules.duplicate_window_days", 7)
	v.SetDefault("rules.price_drift_multiplier", 2.0)
	v.SetDefault("rules.price_drift_min_samples", 3)
	v.SetDefault("ingest.max_concurrent", 4)

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

	return &cfg, nil
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
