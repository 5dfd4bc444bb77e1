package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lehigh-university-libraries/accessioner/internal/snapshot"
)

// Config is the complete accessioner configuration
type Config struct {
	WorldCat    WorldCatConfig    `mapstructure:"worldcat" yaml:"worldcat"`
	Transkribus TranskribusConfig `mapstructure:"transkribus" yaml:"transkribus"`
	Matcher     MatcherConfig     `mapstructure:"matcher" yaml:"matcher"`
	Refine      RefineConfig      `mapstructure:"refine" yaml:"refine"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot"`
}

type WorldCatConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	TokenURL       string        `mapstructure:"token_url" yaml:"token_url"`
	ClientKey      string        `mapstructure:"client_key" yaml:"client_key"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"client_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"` // shared by all workers
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	Limit          int           `mapstructure:"limit" yaml:"limit"`
	ItemSubType    string        `mapstructure:"item_sub_type" yaml:"item_sub_type"`
}

type TranskribusConfig struct {
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	AuthURL      string `mapstructure:"auth_url" yaml:"auth_url"`
	Username     string `mapstructure:"username" yaml:"username"`
	Password     string `mapstructure:"password" yaml:"password"`
	CollectionID int    `mapstructure:"collection_id" yaml:"collection_id"`
	ModelID      int    `mapstructure:"model_id" yaml:"model_id"`
}

type MatcherConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

type RefineConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // empty disables refinement
	Model    string `mapstructure:"model" yaml:"model"`
}

type LoggingConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type SnapshotConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
}

// Credentials are also read from the variable names used by the services'
// own tooling.
var envAliases = map[string][]string{
	"worldcat.client_key":    {"OCLC_CLIENT_KEY"},
	"worldcat.client_secret": {"OCLC_CLIENT_SECRET"},
	"transkribus.username":   {"TKB_USERNAME"},
	"transkribus.password":   {"TKB_PASSWORD"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worldcat.base_url", "https://metadata.api.oclc.org")
	v.SetDefault("worldcat.token_url", "https://oauth.oclc.org/token")
	v.SetDefault("worldcat.request_timeout", 30*time.Second)
	v.SetDefault("worldcat.rate_limit_rps", 10.0)
	v.SetDefault("worldcat.max_retries", 3)
	v.SetDefault("worldcat.limit", 10)

	v.SetDefault("transkribus.base_url", "https://transkribus.eu/TrpServer/rest")
	v.SetDefault("transkribus.auth_url", "https://account.readcoop.eu/auth/realms/readcoop/protocol/openid-connect/token")

	v.SetDefault("matcher.workers", 50)
	v.SetDefault("refine.model", "")
	v.SetDefault("logging.dir", "logs")
	v.SetDefault("snapshot.format", string(snapshot.FormatJSON))
}

// Load builds the configuration from defaults, an optional config file,
// ACCESSIONER_* environment variables and any bound command flags, in
// increasing order of precedence. flags maps config keys to flags.
func Load(cfgFile string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACCESSIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		envs := append([]string{"ACCESSIONER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("accessioner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.accessioner")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Matcher.Workers < 1 {
		return fmt.Errorf("matcher.workers must be at least 1, got %d", c.Matcher.Workers)
	}
	if c.WorldCat.RateLimitRPS < 0 {
		return fmt.Errorf("worldcat.rate_limit_rps must not be negative")
	}
	if c.WorldCat.MaxRetries < 0 {
		return fmt.Errorf("worldcat.max_retries must not be negative")
	}
	if _, err := snapshot.ParseFormat(c.Snapshot.Format); err != nil {
		return err
	}
	return nil
}
