// Package config loads chatline settings from the config file, CHATLINE_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATLINE"

type Settings struct {
	Model        string        `mapstructure:"model"`
	Provider     string        `mapstructure:"provider"`
	Owner        string        `mapstructure:"owner"`
	SystemPrompt string        `mapstructure:"system-prompt"`
	Budget       int           `mapstructure:"budget"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Transport    string        `mapstructure:"transport"`

	Tokenizer TokenizerSettings `mapstructure:"tokenizer"`
	OpenAI    OpenAISettings    `mapstructure:"openai"`
	Browser   BrowserSettings   `mapstructure:"browser"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Store     StoreSettings     `mapstructure:"store"`
	Events    EventsSettings    `mapstructure:"events"`
	Title     TitleSettings     `mapstructure:"title"`
	Log       LogSettings       `mapstructure:"log"`
}

type TokenizerSettings struct {
	Backend  string `mapstructure:"backend"`
	Encoding string `mapstructure:"encoding"`
}

type OpenAISettings struct {
	BaseURL      string `mapstructure:"base-url"`
	APIKey       string `mapstructure:"api-key"`
	Organization string `mapstructure:"organization"`
}

type BrowserSettings struct {
	DevtoolsURL string        `mapstructure:"devtools-url"`
	PageURL     string        `mapstructure:"page-url"`
	Endpoint    string        `mapstructure:"endpoint"`
	Poll        time.Duration `mapstructure:"poll"`
}

type RedisSettings struct {
	Addr   string        `mapstructure:"addr"`
	Prefix string        `mapstructure:"prefix"`
	Poll   time.Duration `mapstructure:"poll"`
}

type StoreSettings struct {
	// Driver is sqlite or memory.
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type EventsSettings struct {
	RedisEnabled bool   `mapstructure:"redis-enabled"`
	Addr         string `mapstructure:"addr"`
	Group        string `mapstructure:"group"`
	Consumer     string `mapstructure:"consumer"`
	Topic        string `mapstructure:"topic"`
}

type TitleSettings struct {
	Enabled bool          `mapstructure:"enabled"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	WithCaller bool   `mapstructure:"with-caller"`
}

var transports = map[string]bool{"direct": true, "browser": true, "redis": true, "scripted": true}

// DefaultDir is $HOME/.chatline, or the working directory when there is no home.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".chatline")
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("provider", "openai")
	v.SetDefault("owner", "local")
	v.SetDefault("system-prompt", "You are a helpful assistant.")
	v.SetDefault("budget", 4096)
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("transport", "direct")

	v.SetDefault("tokenizer.backend", "tiktoken")
	v.SetDefault("tokenizer.encoding", "")

	v.SetDefault("openai.base-url", "https://api.openai.com/v1")
	v.SetDefault("openai.api-key", "")
	v.SetDefault("openai.organization", "")

	v.SetDefault("browser.devtools-url", "")
	v.SetDefault("browser.page-url", "")
	v.SetDefault("browser.endpoint", "")
	v.SetDefault("browser.poll", 100*time.Millisecond)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "chatline")
	v.SetDefault("redis.poll", 250*time.Millisecond)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(DefaultDir(), "chatline.db"))

	v.SetDefault("events.redis-enabled", false)
	v.SetDefault("events.addr", "localhost:6379")
	v.SetDefault("events.group", "chatline")
	v.SetDefault("events.consumer", "cli-1")
	v.SetDefault("events.topic", "chatline.events")

	v.SetDefault("title.enabled", true)
	v.SetDefault("title.model", "")
	v.SetDefault("title.timeout", 20*time.Second)

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.with-caller", false)
}

// AddFlags registers the flags shared by every command.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default $HOME/.chatline/config.yaml)")
	fs.String("model", "", "Model identifier")
	fs.Int("budget", 0, "Token budget for the request context")
	fs.Duration("timeout", 0, "Idle timeout between streamed chunks")
	fs.String("transport", "", "Transport: direct, browser, redis or scripted")
	fs.String("system-prompt", "", "System prompt for new conversations")
	fs.String("store", "", "Path of the sqlite history database")
	fs.String("log-level", "", "Log level")
	fs.String("log-file", "", "Write logs to a rotated file instead of stderr")
}

var flagKeys = map[string]string{
	"model":         "model",
	"budget":        "budget",
	"timeout":       "timeout",
	"transport":     "transport",
	"system-prompt": "system-prompt",
	"store":         "store.path",
	"log-level":     "log.level",
	"log-file":      "log.file",
}

// Load reads the settings. fs may be nil.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Settings, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Wrapf(err, "config: bind flag %s", name)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "config: decode settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.Budget <= 0 {
		return errors.Errorf("config: budget must be positive, got %d", s.Budget)
	}
	if s.Timeout <= 0 {
		return errors.Errorf("config: timeout must be positive, got %s", s.Timeout)
	}
	if !transports[s.Transport] {
		return errors.Errorf("config: unknown transport %q", s.Transport)
	}
	if s.Store.Driver != "sqlite" && s.Store.Driver != "memory" {
		return errors.Errorf("config: unknown store driver %q", s.Store.Driver)
	}
	return nil
}

// TitleModel is the model used for title generation.
func (s *Settings) TitleModel() string {
	if s.Title.Model != "" {
		return s.Title.Model
	}
	return s.Model
}
