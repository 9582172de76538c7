package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"

	"github.com/user/agterm/internal/hub"
)

// Config is layered: defaults, then the key=value config file, then
// AGTERM_* environment variables, then command line flags.
type Config struct {
	Host  string
	Port  int
	Token string

	DBPath   string `split_words:"true"`
	ToolsDir string `split_words:"true"`

	MaxSessions     int           `split_words:"true"`
	QueueTimeout    time.Duration `split_words:"true"`
	Retention       time.Duration
	GCInterval      time.Duration `split_words:"true"`
	GracePeriod     time.Duration `split_words:"true"`
	DefaultTimeout  time.Duration `split_words:"true"`
	ExecTimeout     time.Duration `split_words:"true"`
	MaxHistoryBytes int           `split_words:"true"`
	// HistoryRetention bounds how long finished sessions stay in the
	// database. Zero keeps them forever.
	HistoryRetention time.Duration `split_words:"true"`

	DisconnectPolicy string  `split_words:"true"`
	RateLimit        float64 `split_words:"true"`
	RateBurst        int     `split_words:"true"`

	LogLevel string `split_words:"true"`

	ConfigPath string `ignored:"true"`
	PrintToken bool   `ignored:"true"`
}

func defaults() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	base := filepath.Join(homeDir, ".config", "agterm")
	return &Config{
		Host:             "0.0.0.0",
		Port:             5000,
		DBPath:           filepath.Join(base, "agterm.db"),
		ToolsDir:         filepath.Join(base, "tools"),
		MaxSessions:      16,
		Retention:        10 * time.Minute,
		GCInterval:       30 * time.Second,
		GracePeriod:      3 * time.Second,
		ExecTimeout:      10 * time.Second,
		MaxHistoryBytes:  5 << 20,
		HistoryRetention: 7 * 24 * time.Hour,
		DisconnectPolicy: hub.PolicyDetach,
		RateLimit:        50,
		RateBurst:        100,
		LogLevel:         "info",
		ConfigPath:       filepath.Join(base, "config"),
	}, nil
}

// Load builds the configuration from args (without the program name).
// When no token is configured anywhere one is generated and saved to the
// config file.
func Load(args []string) (*Config, error) {
	cfg, err := defaults()
	if err != nil {
		return nil, err
	}

	// The config file location itself may come from the environment or a
	// flag, so look for it before reading the file.
	if p := os.Getenv("AGTERM_CONFIG"); p != "" {
		cfg.ConfigPath = p
	}
	if p := configFlag(args); p != "" {
		cfg.ConfigPath = p
	}

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := envconfig.Process("agterm", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func configFlag(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("agterm", flag.ContinueOnError)
	fs.StringVar(&c.ConfigPath, "config", c.ConfigPath, "config file path")
	fs.StringVar(&c.Host, "host", c.Host, "listen address")
	fs.IntVar(&c.Port, "port", c.Port, "server port (1-65535)")
	fs.StringVar(&c.Token, "token", c.Token, "authentication token (auto-generated if empty)")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "sqlite database for session history")
	fs.StringVar(&c.ToolsDir, "tools", c.ToolsDir, "tool profile directory (empty serves the built-in profiles)")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "maximum number of live sessions")
	fs.DurationVar(&c.QueueTimeout, "queue-timeout", c.QueueTimeout, "how long a new session waits for a free slot")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "how long finished sessions are kept")
	fs.DurationVar(&c.GCInterval, "gc-interval", c.GCInterval, "how often finished sessions are swept")
	fs.DurationVar(&c.GracePeriod, "grace-period", c.GracePeriod, "time between SIGTERM and SIGKILL")
	fs.DurationVar(&c.DefaultTimeout, "default-timeout", c.DefaultTimeout, "timeout for sessions that set none (0 disables)")
	fs.DurationVar(&c.ExecTimeout, "exec-timeout", c.ExecTimeout, "default exec timeout")
	fs.IntVar(&c.MaxHistoryBytes, "max-history", c.MaxHistoryBytes, "retained output per session in bytes")
	fs.DurationVar(&c.HistoryRetention, "history-retention", c.HistoryRetention, "how long finished sessions stay in the database (0 keeps them)")
	fs.StringVar(&c.DisconnectPolicy, "disconnect-policy", c.DisconnectPolicy, "what happens to a client's sessions on disconnect (detach|cancel)")
	fs.Float64Var(&c.RateLimit, "rate-limit", c.RateLimit, "requests per second per connection")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "request burst per connection")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	return fs.Parse(args)
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	switch c.DisconnectPolicy {
	case hub.PolicyDetach, hub.PolicyCancel:
	default:
		return fmt.Errorf("invalid disconnect policy %q: must be %s or %s", c.DisconnectPolicy, hub.PolicyDetach, hub.PolicyCancel)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("invalid max sessions %d: must be at least 1", c.MaxSessions)
	}
	if c.MaxHistoryBytes < 1 {
		return fmt.Errorf("invalid max history %d: must be positive", c.MaxHistoryBytes)
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return fmt.Errorf("invalid rate limit %v/%d: both must be positive", c.RateLimit, c.RateBurst)
	}
	for name, d := range map[string]time.Duration{
		"queue timeout": c.QueueTimeout, "retention": c.Retention, "gc interval": c.GCInterval,
		"grace period": c.GracePeriod, "default timeout": c.DefaultTimeout, "exec timeout": c.ExecTimeout,
		"history retention": c.HistoryRetention,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s %v: must not be negative", name, d)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LogValue keeps the token out of logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.Addr()),
		slog.String("db", c.DBPath),
		slog.String("tools", c.ToolsDir),
		slog.Int("max_sessions", c.MaxSessions),
		slog.String("max_history", humanize.IBytes(uint64(c.MaxHistoryBytes))),
		slog.String("disconnect_policy", c.DisconnectPolicy),
	)
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if err := c.set(key, value); err != nil {
			return fmt.Errorf("invalid %s value %q: %w", key, value, err)
		}
	}
	return nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "Host":
		c.Host = value
	case "Port":
		c.Port, err = strconv.Atoi(value)
	case "Token":
		c.Token = value
	case "DBPath":
		c.DBPath = value
	case "ToolsDir":
		c.ToolsDir = value
	case "MaxSessions":
		c.MaxSessions, err = strconv.Atoi(value)
	case "QueueTimeout":
		c.QueueTimeout, err = time.ParseDuration(value)
	case "Retention":
		c.Retention, err = time.ParseDuration(value)
	case "GCInterval":
		c.GCInterval, err = time.ParseDuration(value)
	case "GracePeriod":
		c.GracePeriod, err = time.ParseDuration(value)
	case "DefaultTimeout":
		c.DefaultTimeout, err = time.ParseDuration(value)
	case "ExecTimeout":
		c.ExecTimeout, err = time.ParseDuration(value)
	case "MaxHistoryBytes":
		var n uint64
		n, err = humanize.ParseBytes(value)
		c.MaxHistoryBytes = int(n)
	case "HistoryRetention":
		c.HistoryRetention, err = time.ParseDuration(value)
	case "DisconnectPolicy":
		c.DisconnectPolicy = value
	case "RateLimit":
		c.RateLimit, err = strconv.ParseFloat(value, 64)
	case "RateBurst":
		c.RateBurst, err = strconv.Atoi(value)
	case "LogLevel":
		c.LogLevel = value
	default:
		slog.Warn("unknown config key ignored", "key", key)
	}
	return err
}

// saveToFile records the generated token. An existing file keeps its
// other keys.
func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	existing, err := os.ReadFile(c.ConfigPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "Port=%d\n", c.Port)
	} else {
		b.Write(existing)
		if !strings.HasSuffix(string(existing), "\n") {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "Token=%s\n", c.Token)
	return os.WriteFile(c.ConfigPath, []byte(b.String()), 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
