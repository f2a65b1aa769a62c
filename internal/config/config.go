// Package config loads vhook settings from defaults, an optional vhook.yaml,
// VHOOK_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid value")

// EnvPrefix prefixes every environment override (VHOOK_DEBUG, ...).
const EnvPrefix = "VHOOK"

// Config is the resolved configuration of a run.
type Config struct {
	Debug     bool     `mapstructure:"debug"`
	Gamedata  string   `mapstructure:"gamedata"`  // offsets.yml
	OS        string   `mapstructure:"os"`        // gamedata key: linux or windows
	Plugins   string   `mapstructure:"plugins"`   // directory of .js subscribers
	Entry     string   `mapstructure:"entry"`     // symbol to run
	MaxInsn   uint64   `mapstructure:"max_insn"`  // 0 = unlimited
	NoColor   bool     `mapstructure:"no_color"`  // plain output
	Fallbacks bool     `mapstructure:"fallbacks"` // zero stubs for unknown imports
	Classes   []string `mapstructure:"classes"`   // classes to bind; empty = all in gamedata
}

// Keys lists the recognized configuration keys.
var Keys = []string{"debug", "gamedata", "os", "plugins", "entry", "max_insn", "no_color", "fallbacks", "classes"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("gamedata", "")
	v.SetDefault("os", "")
	v.SetDefault("plugins", "")
	v.SetDefault("entry", "")
	v.SetDefault("max_insn", 1_000_000)
	v.SetDefault("no_color", false)
	v.SetDefault("fallbacks", true)
	v.SetDefault("classes", []string{})
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of fs whose name matches a key, with dashes
// mapped to underscores (--max-insn -> max_insn).
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !slices.Contains(Keys, key) {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Load reads the config file at path, or searches for vhook.yaml in the
// working directory and $HOME/.config/vhook when path is empty. A missing
// file in the search paths is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vhook")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vhook"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.OS {
	case "", "linux", "windows":
	default:
		return fmt.Errorf("%w: os %q (want linux or windows)", ErrInvalid, c.OS)
	}
	if c.Plugins != "" {
		st, err := os.Stat(c.Plugins)
		if err != nil {
			return fmt.Errorf("%w: plugins: %w", ErrInvalid, err)
		}
		if !st.IsDir() {
			return fmt.Errorf("%w: plugins: %s is not a directory", ErrInvalid, c.Plugins)
		}
	}
	return nil
}

// Used returns the config file that was read, if any.
func Used(v *viper.Viper) string { return v.ConfigFileUsed() }
