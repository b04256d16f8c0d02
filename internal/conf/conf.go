package conf

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration
type Config struct {
	Server ServerConfig

	Store StoreConfig

	// Automation driver sidecar
	Driver DriverConfig

	Timeouts TimeoutConfig

	// Translation (optional)
	Translate TranslateConfig

	// Feishu alerts (optional)
	Feishu FeishuConfig

	// Debug mode
	Debug bool
}

// ServerConfig contains the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Host        string
	Port        int
	StaticDir   string
	CommandRate float64 // commands per second per observer
}

// StoreConfig contains message store configuration
type StoreConfig struct {
	DataDir  string
	Backend  string // sqlite or file
	AuthDir  string
	Debounce time.Duration
}

// DriverConfig contains the automation sidecar command
type DriverConfig struct {
	Command string
	Args    []string
}

// TimeoutConfig bounds every call into the automation surface
type TimeoutConfig struct {
	List         time.Duration
	History      time.Duration
	Evaluate     time.Duration
	Send         time.Duration
	Init         time.Duration
	Destroy      time.Duration
	HistoryLimit int
}

// TranslateConfig contains the OpenAI-compatible translation API configuration
type TranslateConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// FeishuConfig contains Feishu alert configuration
type FeishuConfig struct {
	AppID       string
	AppSecret   string
	AlertChatID string
}

// Enabled reports whether alerts can be delivered
func (c FeishuConfig) Enabled() bool {
	return c.AppID != "" && c.AppSecret != "" && c.AlertChatID != ""
}

// LoadFromEnv loads configuration from environment variables.
// Malformed values are reported by the returned error; defaults fill the rest.
func LoadFromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Server: ServerConfig{
			Host:        os.Getenv("HOST"),
			Port:        p.int("PORT", 3002),
			StaticDir:   os.Getenv("STATIC_DIR"),
			CommandRate: p.float("COMMAND_RATE", 20),
		},
		Store: StoreConfig{
			DataDir:  stringOr("DATA_DIR", "./data"),
			Backend:  stringOr("STORE_BACKEND", "sqlite"),
			AuthDir:  stringOr("AUTH_DIR", "./.wwebjs_auth"),
			Debounce: p.duration("PERSIST_DEBOUNCE", time.Second),
		},
		Driver: DriverConfig{
			Command: stringOr("DRIVER_COMMAND", "node"),
			Args:    strings.Fields(stringOr("DRIVER_ARGS", "driver/index.js")),
		},
		Timeouts: TimeoutConfig{
			List:         p.duration("LIST_TIMEOUT", 7*time.Second),
			History:      p.duration("HISTORY_TIMEOUT", 10*time.Second),
			Evaluate:     p.duration("EVALUATE_TIMEOUT", 10*time.Second),
			Send:         p.duration("SEND_TIMEOUT", 15*time.Second),
			Init:         p.duration("INIT_TIMEOUT", 60*time.Second),
			Destroy:      p.duration("DESTROY_TIMEOUT", 10*time.Second),
			HistoryLimit: p.int("HISTORY_LIMIT", 50),
		},
		Translate: TranslateConfig{
			APIKey:  os.Getenv("TRANSLATE_API_KEY"),
			BaseURL: os.Getenv("TRANSLATE_BASE_URL"),
			Model:   os.Getenv("TRANSLATE_MODEL"),
		},
		Feishu: FeishuConfig{
			AppID:       os.Getenv("FEISHU_APP_ID"),
			AppSecret:   os.Getenv("FEISHU_APP_SECRET"),
			AlertChatID: os.Getenv("FEISHU_ALERT_CHAT_ID"),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ConfigError{Field: "PORT", Message: "must be between 1 and 65535"}
	}
	if c.Store.Backend != "sqlite" && c.Store.Backend != "file" {
		return &ConfigError{Field: "STORE_BACKEND", Message: "must be sqlite or file"}
	}
	if c.Store.DataDir == "" {
		return &ConfigError{Field: "DATA_DIR", Message: "required"}
	}
	if c.Driver.Command == "" {
		return &ConfigError{Field: "DRIVER_COMMAND", Message: "required"}
	}
	if c.Timeouts.HistoryLimit <= 0 {
		return &ConfigError{Field: "HISTORY_LIMIT", Message: "must be positive"}
	}
	if c.Server.CommandRate <= 0 {
		return &ConfigError{Field: "COMMAND_RATE", Message: "must be positive"}
	}
	for field, d := range map[string]time.Duration{
		"LIST_TIMEOUT":     c.Timeouts.List,
		"HISTORY_TIMEOUT":  c.Timeouts.History,
		"EVALUATE_TIMEOUT": c.Timeouts.Evaluate,
		"SEND_TIMEOUT":     c.Timeouts.Send,
		"INIT_TIMEOUT":     c.Timeouts.Init,
		"DESTROY_TIMEOUT":  c.Timeouts.Destroy,
	} {
		if d <= 0 {
			return &ConfigError{Field: field, Message: "must be positive"}
		}
	}
	if (c.Feishu.AppID == "") != (c.Feishu.AppSecret == "") {
		return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "both or neither must be set"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func stringOr(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// parser keeps the first malformed variable
type parser struct {
	err error
}

func (p *parser) fail(key, msg string) {
	if p.err == nil {
		p.err = &ConfigError{Field: key, Message: msg}
	}
}

func (p *parser) int(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		p.fail(key, "not an integer")
		return def
	}
	return parsed
}

func (p *parser) float(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(key, "not a number")
		return def
	}
	return parsed
}

// duration accepts Go durations ("7s") or plain milliseconds ("7000")
func (p *parser) duration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		p.fail(key, "not a duration")
		return def
	}
	return parsed
}
