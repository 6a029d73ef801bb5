package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Receipts ReceiptsConfig `mapstructure:"receipts"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DispatchConfig carries the defaults for one dispatch invocation; trigger
// requests may override the per-invocation fields.
type DispatchConfig struct {
	Limit           int  `mapstructure:"limit"`
	AutoScale       bool `mapstructure:"auto_scale"`
	Parallelism     int  `mapstructure:"parallelism"`
	JobsPerWorker   int  `mapstructure:"jobs_per_worker"`
	MaxParallelism  int  `mapstructure:"max_parallelism"`
	FetchCap        int  `mapstructure:"fetch_cap"`
	AutoReenter     bool `mapstructure:"auto_reenter"`
	MaxPasses       int  `mapstructure:"max_passes"`
	MaxReturnedJobs int  `mapstructure:"max_returned_jobs"`
}

type ReceiptsConfig struct {
	Limit            int  `mapstructure:"limit"`
	AutoScale        bool `mapstructure:"auto_scale"`
	Parallelism      int  `mapstructure:"parallelism"`
	TicketsPerWorker int  `mapstructure:"tickets_per_worker"`
	MaxParallelism   int  `mapstructure:"max_parallelism"`
	MinAgeSeconds    int  `mapstructure:"min_age_seconds"`
	SinceDays        int  `mapstructure:"since_days"`
	AutoReenter      bool `mapstructure:"auto_reenter"`
	MaxPasses        int  `mapstructure:"max_passes"`
	EventBatchCap    int  `mapstructure:"event_batch_cap"`
}

type RunnerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	ReceiptInterval  time.Duration `mapstructure:"receipt_interval"`
}

type TriggerConfig struct {
	Secret string `mapstructure:"secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("pushpipe")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/pushpipe")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PUSHPIPE")

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
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/pushpipe.db")

	viper.SetDefault("gateway.url", "https://push.gateway.invalid/api/v2")
	viper.SetDefault("gateway.timeout", 30*time.Second)

	viper.SetDefault("dispatch.limit", 25)
	viper.SetDefault("dispatch.auto_scale", true)
	viper.SetDefault("dispatch.parallelism", 4)
	viper.SetDefault("dispatch.jobs_per_worker", 5)
	viper.SetDefault("dispatch.max_parallelism", 8)
	viper.SetDefault("dispatch.fetch_cap", 250)
	viper.SetDefault("dispatch.auto_reenter", true)
	viper.SetDefault("dispatch.max_passes", 5)
	viper.SetDefault("dispatch.max_returned_jobs", 50)

	viper.SetDefault("receipts.limit", 500)
	viper.SetDefault("receipts.auto_scale", true)
	viper.SetDefault("receipts.parallelism", 2)
	viper.SetDefault("receipts.tickets_per_worker", 100)
	viper.SetDefault("receipts.max_parallelism", 6)
	viper.SetDefault("receipts.min_age_seconds", 900)
	viper.SetDefault("receipts.since_days", 14)
	viper.SetDefault("receipts.auto_reenter", true)
	viper.SetDefault("receipts.max_passes", 5)
	viper.SetDefault("receipts.event_batch_cap", 100)

	viper.SetDefault("runner.enabled", true)
	viper.SetDefault("runner.dispatch_interval", 15*time.Second)
	viper.SetDefault("runner.receipt_interval", 5*time.Minute)

	viper.SetDefault("trigger.secret", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
