// Package config loads Memori settings from the config file, MEMORI_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "MEMORI"
	DirName   = ".memori"
	FileName  = "config.yaml"
)

// Keys.
const (
	KeyEndpoint    = "endpoint"
	KeyAPIKey      = "api_key"
	KeyAccountID   = "account_id"
	KeyEmail       = "email"
	KeyStateDir    = "state_dir"
	KeyNatsURL     = "nats_url"
	KeyLogLevel    = "log_level"
	KeyTrace       = "trace"
	KeyPushgateway = "pushgateway"

	KeyCluster = "cockroachdb.cluster"
	KeyRegion  = "cockroachdb.region"
	KeyNodes   = "cockroachdb.nodes"

	KeyFreshness   = "lifecycle.freshness"
	KeyDeadline    = "lifecycle.deadline"
	KeyCallTimeout = "lifecycle.call_timeout"
	KeyPollInitial = "lifecycle.poll_initial"
	KeyPollMax     = "lifecycle.poll_max"

	KeyProviderRPS = "provider.rps"
)

type Settings struct {
	Endpoint    string      `mapstructure:"endpoint"`
	APIKey      string      `mapstructure:"api_key"`
	AccountID   string      `mapstructure:"account_id"`
	Email       string      `mapstructure:"email"`
	StateDir    string      `mapstructure:"state_dir"`
	NatsURL     string      `mapstructure:"nats_url"`
	LogLevel    string      `mapstructure:"log_level"`
	Trace       bool        `mapstructure:"trace"`
	Pushgateway string      `mapstructure:"pushgateway"`
	CockroachDB ClusterSpec `mapstructure:"cockroachdb"`
	Lifecycle   Lifecycle   `mapstructure:"lifecycle"`
	Provider    Provider    `mapstructure:"provider"`
}

// ClusterSpec holds the defaults for cluster commands.
type ClusterSpec struct {
	Cluster string `mapstructure:"cluster"`
	Region  string `mapstructure:"region"`
	Nodes   int    `mapstructure:"nodes"`
}

type Lifecycle struct {
	Freshness   time.Duration `mapstructure:"freshness"`
	Deadline    time.Duration `mapstructure:"deadline"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`
}

type Provider struct {
	RPS float64 `mapstructure:"rps"`
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEndpoint, "localhost:50051")
	v.SetDefault(KeyAPIKey, "")
	v.SetDefault(KeyAccountID, "")
	v.SetDefault(KeyEmail, "")
	v.SetDefault(KeyStateDir, filepath.Join(defaultDir(), "state"))
	v.SetDefault(KeyNatsURL, "")
	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyTrace, false)
	v.SetDefault(KeyPushgateway, "")

	v.SetDefault(KeyCluster, "memori")
	v.SetDefault(KeyRegion, "us-east1")
	v.SetDefault(KeyNodes, 3)

	v.SetDefault(KeyFreshness, 5*time.Second)
	v.SetDefault(KeyDeadline, 20*time.Minute)
	v.SetDefault(KeyCallTimeout, 10*time.Second)
	v.SetDefault(KeyPollInitial, time.Second)
	v.SetDefault(KeyPollMax, 15*time.Second)

	v.SetDefault(KeyProviderRPS, 5.0)
}

// DefaultPath is $HOME/.memori/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDir(), FileName)
}

func defaultDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Load reads cfgFile, or the default config file when cfgFile is empty.
// A missing file is not an error.
func Load(v *viper.Viper, cfgFile string) error {
	if cfgFile == "" {
		cfgFile = DefaultPath()
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

// Path returns the file Load read from, or the one Save should write.
func Path(v *viper.Viper) string {
	if p := v.ConfigFileUsed(); p != "" {
		return p
	}
	return DefaultPath()
}

// Save merges changes into the config file at path with owner-only
// permissions, since it holds the API key. Only keys already in the file
// and the given changes are written; defaults, environment and one-off
// flags stay out of it.
func Save(path string, changes map[string]interface{}) error {
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	for key, value := range changes {
		file.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}

// Get decodes the effective settings.
func Get(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}
