package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"beaconwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Beacon      BeaconConfig      `mapstructure:"beacon"`
	Advertising AdvertisingConfig `mapstructure:"advertising"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Forwarding  ForwardingConfig  `mapstructure:"forwarding"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
	Simulate    SimulateConfig    `mapstructure:"simulate"`

	settings map[string]any
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// BeaconConfig 描述本机信标的负载与校准参数。
type BeaconConfig struct {
	DeviceTag         string  `mapstructure:"device_tag"`
	LocalName         string  `mapstructure:"local_name"`
	ReferencePowerDBm float64 `mapstructure:"reference_power_dbm"`
}

// AdvertisingConfig governs the outbound advertisement.
type AdvertisingConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	Extended            bool `mapstructure:"extended"`
	IncludeTxPower      bool `mapstructure:"include_tx_power"`
	PreferredTxPowerDBm *int `mapstructure:"preferred_tx_power_dbm"`
}

// TransportConfig selects the radio driver.
type TransportConfig struct {
	Driver string `mapstructure:"driver"`
}

// SchedulerConfig governs periodic session summaries.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	// Retention prunes stored sightings older than this on every summary tick; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig exposes Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ForwardingConfig routes statistics records to brokers.
type ForwardingConfig struct {
	Buffer int         `mapstructure:"buffer"`
	MQTT   MQTTConfig  `mapstructure:"mqtt"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// MQTTConfig 描述 MQTT 转发参数。
type MQTTConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Broker   string        `mapstructure:"broker"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Topic    string        `mapstructure:"topic"`
	QoS      byte          `mapstructure:"qos"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig 描述 Kafka 转发参数。
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"`
}

// AlertingConfig defines proximity alert thresholds and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	ThresholdMeters float64        `mapstructure:"threshold_m"`
	Cooldown        time.Duration  `mapstructure:"cooldown"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// SimulateConfig parameterises the simulated transport.
type SimulateConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Peers          int           `mapstructure:"peers"`
	BaseRSSI       int           `mapstructure:"base_rssi"`
	ForeignEvery   int           `mapstructure:"foreign_every"`
	MalformedEvery int           `mapstructure:"malformed_every"`
	Seed           int64         `mapstructure:"seed"`
	Duration       time.Duration `mapstructure:"duration"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("BEACONWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "beaconwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("beacon.device_tag", "testdev")
	v.SetDefault("beacon.local_name", "beaconwatch")
	v.SetDefault("beacon.reference_power_dbm", -69.0)

	v.SetDefault("advertising.enabled", true)
	v.SetDefault("advertising.extended", false)
	v.SetDefault("advertising.include_tx_power", false)
	v.SetDefault("advertising.preferred_tx_power_dbm", -10)

	v.SetDefault("transport.driver", "bluez")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.write_timeout", "5s")
	v.SetDefault("database.retention", "0s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("forwarding.buffer", 1024)
	v.SetDefault("forwarding.mqtt.enabled", false)
	v.SetDefault("forwarding.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("forwarding.mqtt.client_id", "beaconwatch")
	v.SetDefault("forwarding.mqtt.topic", "beacons/{source}/statistics")
	v.SetDefault("forwarding.mqtt.qos", 0)
	v.SetDefault("forwarding.mqtt.timeout", "5s")
	v.SetDefault("forwarding.kafka.enabled", false)
	v.SetDefault("forwarding.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("forwarding.kafka.topic", "beacon-statistics")
	v.SetDefault("forwarding.kafka.batch_timeout", "50ms")
	v.SetDefault("forwarding.kafka.compression", "snappy")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_m", 1.0)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("simulate.interval", "200ms")
	v.SetDefault("simulate.peers", 3)
	v.SetDefault("simulate.base_rssi", -69)
	v.SetDefault("simulate.foreign_every", 5)
	v.SetDefault("simulate.malformed_every", 0)
	v.SetDefault("simulate.seed", 1)
	v.SetDefault("simulate.duration", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Beacon.DeviceTag == "" {
		return fmt.Errorf("beacon.device_tag must not be empty")
	}
	if c.Beacon.ReferencePowerDBm >= 0 {
		return fmt.Errorf("beacon.reference_power_dbm must be negative")
	}
	if p := c.Advertising.PreferredTxPowerDBm; p != nil && (*p < -127 || *p > 20) {
		return fmt.Errorf("advertising.preferred_tx_power_dbm out of range: %d", *p)
	}
	switch c.Transport.Driver {
	case "bluez", "simulated":
	default:
		return fmt.Errorf("transport.driver 不支持: %q", c.Transport.Driver)
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}
	if c.Forwarding.Buffer <= 0 {
		return fmt.Errorf("forwarding.buffer must be greater than zero")
	}
	if c.Forwarding.MQTT.Enabled {
		if c.Forwarding.MQTT.Broker == "" || c.Forwarding.MQTT.Topic == "" {
			return fmt.Errorf("forwarding.mqtt.broker 与 forwarding.mqtt.topic 必须配置")
		}
		if c.Forwarding.MQTT.QoS > 2 {
			return fmt.Errorf("forwarding.mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Forwarding.Kafka.Enabled {
		if len(c.Forwarding.Kafka.Brokers) == 0 || c.Forwarding.Kafka.Topic == "" {
			return fmt.Errorf("forwarding.kafka.brokers 与 forwarding.kafka.topic 必须配置")
		}
	}
	if c.Alerting.ThresholdMeters < 0 {
		return fmt.Errorf("alerting.threshold_m cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Simulate.Peers <= 0 {
		return fmt.Errorf("simulate.peers must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

var secretKeys = map[string]bool{
	"password":  true,
	"bot_token": true,
	"dsn":       true,
}

// YAML renders the effective settings with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(redact(c.settings))
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

func redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = redact(val)
		default:
			if secretKeys[k] && fmt.Sprint(val) != "" {
				out[k] = "******"
				continue
			}
			out[k] = val
		}
	}
	return out
}
