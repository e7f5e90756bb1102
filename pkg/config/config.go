package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Store      StoreConfig      `mapstructure:"store"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type AppConfig struct {
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StoreConfig struct {
	AccountsFile string `mapstructure:"accounts_file"`
	ProxiesFile  string `mapstructure:"proxies_file"`
}

type ProxyConfig struct {
	MinReuseDelay    time.Duration `mapstructure:"min_reuse_delay"`
	MaxFails         int           `mapstructure:"max_fails"`
	EvictAfterFails  int           `mapstructure:"evict_after_fails"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	CheckConcurrency int           `mapstructure:"check_concurrency"`
	TestURLs         []string      `mapstructure:"test_urls"`
	ImportKey        string        `mapstructure:"import_key"`
	StatsKey         string        `mapstructure:"stats_key"`
}

type WorkerConfig struct {
	PollWait     time.Duration `mapstructure:"poll_wait"`
	DelayMin     time.Duration `mapstructure:"delay_min"`
	DelayMax     time.Duration `mapstructure:"delay_max"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

type DispatchConfig struct {
	TaskQueue    string        `mapstructure:"task_queue"`
	ResultQueue  string        `mapstructure:"result_queue"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

type MonitoringConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// Load reads config.yaml (./config or .) merged with DROPFLEET_* env
// variables; every knob has an explicit default.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DROPFLEET")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	setDefaults()
	bindEnvVariables()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.log_format", "text")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("store.accounts_file", "accounts.json")
	viper.SetDefault("store.proxies_file", "proxies.json")

	viper.SetDefault("proxy.min_reuse_delay", "300s")
	viper.SetDefault("proxy.max_fails", 3)
	viper.SetDefault("proxy.evict_after_fails", 5)
	viper.SetDefault("proxy.check_interval", "1h")
	viper.SetDefault("proxy.probe_timeout", "10s")
	viper.SetDefault("proxy.check_concurrency", 10)
	viper.SetDefault("proxy.test_urls", []string{
		"https://www.google.com",
		"https://www.twitter.com",
		"https://www.amazon.com",
		"https://www.apple.com",
		"https://www.reddit.com",
	})
	viper.SetDefault("proxy.import_key", "import_proxies")
	viper.SetDefault("proxy.stats_key", "proxy_stats")

	viper.SetDefault("worker.poll_wait", "5s")
	viper.SetDefault("worker.delay_min", "1s")
	viper.SetDefault("worker.delay_max", "3s")
	viper.SetDefault("worker.error_backoff", "30s")

	viper.SetDefault("dispatch.task_queue", "task_queue")
	viper.SetDefault("dispatch.result_queue", "result_queue")
	viper.SetDefault("dispatch.poll_interval", "1s")
	viper.SetDefault("dispatch.wait_timeout", "300s")

	viper.SetDefault("monitoring.http_port", 8080)
}

func bindEnvVariables() {
	envBindings := map[string]string{
		"app.env":              "DROPFLEET_ENV",
		"app.log_level":        "DROPFLEET_LOG_LEVEL",
		"app.log_format":       "DROPFLEET_LOG_FORMAT",
		"redis.addr":           "DROPFLEET_REDIS_ADDR",
		"redis.password":       "DROPFLEET_REDIS_PASSWORD",
		"redis.db":             "DROPFLEET_REDIS_DB",
		"store.accounts_file":  "DROPFLEET_ACCOUNTS_FILE",
		"store.proxies_file":   "DROPFLEET_PROXIES_FILE",
		"monitoring.http_port": "DROPFLEET_HTTP_PORT",
	}

	for key, env := range envBindings {
		_ = viper.BindEnv(key, env)
	}
}
