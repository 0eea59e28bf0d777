package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Database   struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Source struct {
		BaseURL     string        `mapstructure:"BASE_URL"`
		Username    string        `mapstructure:"USERNAME"`
		Password    string        `mapstructure:"PASSWORD"`
		PageSize    int           `mapstructure:"PAGE_SIZE"`
		MaxRetries  int           `mapstructure:"MAX_RETRIES"`
		RetryWait   time.Duration `mapstructure:"RETRY_WAIT"`
		PageDelay   time.Duration `mapstructure:"PAGE_DELAY"`
		CachePages  bool          `mapstructure:"CACHE_PAGES"`
		HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`
	} `mapstructure:"SOURCE"`
	Commission struct {
		// DefaultRate is the fallback percentage applied when neither a
		// per-product override nor a price bracket matches. Expressed as
		// a percentage, e.g. 30 for 30%.
		DefaultRate   float64          `mapstructure:"DEFAULT_RATE"`
		PolicyVersion string           `mapstructure:"POLICY_VERSION"`
		Overrides     map[string]int64 `mapstructure:"OVERRIDES"`
		Brackets      []BracketConfig  `mapstructure:"BRACKETS"`
	} `mapstructure:"COMMISSION"`
	Reconcile struct {
		DriftTolerance int64 `mapstructure:"DRIFT_TOLERANCE"`
		BatchSize      int   `mapstructure:"BATCH_SIZE"`
		Concurrency    int   `mapstructure:"CONCURRENCY"`
	} `mapstructure:"RECONCILE"`
}

// BracketConfig is one half-open price bracket [From, To) mapped to a flat
// commission amount. To == 0 means the bracket is unbounded above.
type BracketConfig struct {
	From   int64 `mapstructure:"FROM"`
	To     int64 `mapstructure:"TO"`
	Amount int64 `mapstructure:"AMOUNT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}

func setDefaults() {
	config.SetDefault("APP_ENV", "development")
	config.SetDefault("APP_NAME", "affiliate-reconcile")

	config.SetDefault("DATABASE.TYPE", "postgres")
	config.SetDefault("DATABASE.SSLMODE", "disable")

	config.SetDefault("SOURCE.PAGE_SIZE", 100)
	config.SetDefault("SOURCE.MAX_RETRIES", 3)
	config.SetDefault("SOURCE.RETRY_WAIT", 2*time.Second)
	config.SetDefault("SOURCE.PAGE_DELAY", 500*time.Millisecond)
	config.SetDefault("SOURCE.CACHE_PAGES", true)
	config.SetDefault("SOURCE.HTTP_TIMEOUT", 30*time.Second)

	config.SetDefault("COMMISSION.DEFAULT_RATE", 30.0)
	config.SetDefault("COMMISSION.POLICY_VERSION", "v1")

	config.SetDefault("RECONCILE.DRIFT_TOLERANCE", 0)
	config.SetDefault("RECONCILE.BATCH_SIZE", 500)
	config.SetDefault("RECONCILE.CONCURRENCY", 4)
}
