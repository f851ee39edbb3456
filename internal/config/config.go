package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientType selects the transport used to reach the geometry engine.
type ClientType string

const (
	ClientTypeNone           ClientType = "none"
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// DefaultModel is the completion model used when none is configured.
const DefaultModel = "gpt-4o"

// DefaultSystemPrompt steers the model towards emitting playable command blocks.
const DefaultSystemPrompt = `You are a geometry assistant who explains figures and animations to students using GeoGebra.

When the user asks for a figure or an animation, answer with clear GeoGebra commands.

Rules:
1. Put GeoGebra commands between a ` + "```geogebra" + ` line and a closing ` + "```" + ` line, one command per line.
2. Order commands logically, from basic objects to derived constructions.
3. Wrap math formulas in $$.
4. Do not put comments inside the GeoGebra block.

Examples of supported commands: A = (2, 3), Segment(A, B), Circle(A, 3), Polygon(A, B, C),
a = Slider[0, 10, 0.1], StartAnimation[a, true], f(x) = a x^2, Text("label", (x, y)).

Make sure the command syntax is correct. Ask a clarifying question when the request is ambiguous.`

// Config holds the application configuration
type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	LLM      LLMConfig    `mapstructure:"llm"`
	Server   ServerConfig `mapstructure:"server"`
	Store    StoreConfig  `mapstructure:"store"`
	Applet   AppletConfig `mapstructure:"applet"`
}

// LLMConfig holds the default completion settings seeded into a fresh store.
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// StoreConfig points at the SQLite file and the blob name holding app state.
type StoreConfig struct {
	Path string `mapstructure:"path"`
	Name string `mapstructure:"name"`
}

// AppletConfig describes how to reach the geometry engine and how to pace commands.
type AppletConfig struct {
	Type         ClientType        `mapstructure:"type"`
	URL          string            `mapstructure:"url"`
	Headers      map[string]string `mapstructure:"headers"`
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	Env          map[string]string `mapstructure:"env"`
	Container    string            `mapstructure:"container"`
	Pacing       time.Duration     `mapstructure:"pacing"`
	Sequential   bool              `mapstructure:"sequential"`
	PollDelay    time.Duration     `mapstructure:"poll_delay"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	AutoPlay     bool              `mapstructure:"auto_play"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("store.path", "geochat.db")
	v.SetDefault("store.name", "llm-chat-storage")
	v.SetDefault("applet.type", string(ClientTypeNone))
	v.SetDefault("applet.url", "")
	v.SetDefault("applet.command", "")
	v.SetDefault("applet.container", "geogebra-container")
	v.SetDefault("applet.pacing", 100*time.Millisecond)
	v.SetDefault("applet.sequential", false)
	v.SetDefault("applet.poll_delay", 500*time.Millisecond)
	v.SetDefault("applet.poll_interval", 100*time.Millisecond)
	v.SetDefault("applet.auto_play", false)
}

// Load reads config.yaml from the working directory, or the file named by
// CONFIG_PATH. A missing config.yaml is not an error; a missing CONFIG_PATH file is.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GEOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "GEOCHAT_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("llm.base_url", "GEOCHAT_LLM_BASE_URL", "OPENAI_BASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
