package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rescp17/busFileSharer/pkg/receiver"
	"github.com/rescp17/busFileSharer/pkg/transfer"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. BUSFS_BROKER.
const EnvPrefix = "BUSFS"

// Config holds the application-level configuration
type Config struct {
	Broker          string        `mapstructure:"broker"`
	Discover        bool          `mapstructure:"discover"`
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
	ClientID        string        `mapstructure:"client_id"`
	QoS             int           `mapstructure:"qos"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Topic           string        `mapstructure:"topic"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`

	Transfer transfer.TransferConfig `mapstructure:"transfer"`
	Receiver receiver.Config         `mapstructure:"receiver"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	defaultTransfer := transfer.DefaultTransferConfig()
	defaultReceiver := receiver.DefaultConfig()

	v.SetDefault("broker", "tcp://localhost:1883")
	v.SetDefault("discover", false)
	v.SetDefault("discover_timeout", 5*time.Second)
	v.SetDefault("client_id", "")
	v.SetDefault("qos", 0)
	v.SetDefault("connect_timeout", 30*time.Second)
	v.SetDefault("topic", defaultReceiver.DataTopic)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("transfer.chunk_size", defaultTransfer.ChunkSize)
	v.SetDefault("transfer.min_chunk_size", defaultTransfer.MinChunkSize)
	v.SetDefault("transfer.max_chunk_size", defaultTransfer.MaxChunkSize)
	v.SetDefault("transfer.ack_timeout", defaultTransfer.AckTimeout)
	v.SetDefault("transfer.retry_policy.max_retries", defaultTransfer.RetryPolicy.MaxRetries)
	v.SetDefault("transfer.retry_policy.initial_delay", defaultTransfer.RetryPolicy.InitialDelay)
	v.SetDefault("transfer.retry_policy.backoff_factor", defaultTransfer.RetryPolicy.BackoffFactor)
	v.SetDefault("transfer.retry_policy.max_delay", defaultTransfer.RetryPolicy.MaxDelay)

	v.SetDefault("receiver.scratch_dir", defaultReceiver.ScratchDir)
	v.SetDefault("receiver.target_dir", defaultReceiver.TargetDir)
	v.SetDefault("receiver.max_workers", defaultReceiver.MaxWorkers)
	v.SetDefault("receiver.strict_sequence", defaultReceiver.StrictSequence)
	v.SetDefault("receiver.exit_after_transfer", defaultReceiver.ExitAfterTransfer)
}

// Load layers defaults, an optional config file, a .env file and BUSFS_*
// environment variables onto v. Flags bound to v before Load win over all of
// them. An empty configFile searches for busfilesharer.yaml in the working
// directory and $HOME/.config/busfilesharer.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// A missing .env is normal; the process environment is used as is.
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("busfilesharer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/busfilesharer")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", transfer.ErrInvalidConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", transfer.ErrInvalidConfiguration, err)
	}
	cfg.Receiver.DataTopic = cfg.Topic

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", transfer.ErrInvalidConfiguration)
	}
	if strings.ContainsAny(c.Topic, "+#") {
		return fmt.Errorf("%w: topic %q cannot contain wildcards", transfer.ErrInvalidConfiguration, c.Topic)
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2", transfer.ErrInvalidConfiguration)
	}
	if !c.Discover && c.Broker == "" {
		return fmt.Errorf("%w: broker cannot be empty without discovery", transfer.ErrInvalidConfiguration)
	}
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	return c.Receiver.Validate()
}
