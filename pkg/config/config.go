package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags parses command-line flags and returns them as a Flags struct.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}
}

// Load reads the YAML file at path into a Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Effective resolves the final config: the file when present, flags and
// environment layered on top, defaults filling the rest. Precedence is
// flags, then env, then file, then defaults.
func Effective(flags Flags) (*Config, error) {
	cfg := &Config{}
	if path := resolveConfigPath(flags); path != "" {
		loaded, err := Load(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if flags.Set["config"] {
				return nil, err
			}
		} else {
			cfg = loaded
		}
	}

	if v := os.Getenv("COLLABSYNC_ADDR"); v != "" {
		applyAddr(cfg, v)
	}
	if v := os.Getenv("COLLABSYNC_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("COLLABSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if flags.Set["addr"] {
		applyAddr(cfg, flags.Addr)
	}
	if flags.Set["db"] {
		cfg.Server.DBPath = flags.DB
	}

	applyDefaults(cfg)
	return cfg, nil
}

func resolveConfigPath(flags Flags) string {
	if flags.Set["config"] {
		return flags.Config
	}
	if v := os.Getenv("COLLABSYNC_CONFIG"); v != "" {
		return v
	}
	return flags.Config
}

func applyAddr(cfg *Config, addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		cfg.Server.Address = addr
		return
	}
	cfg.Server.Address = host
	if p, err := strconv.Atoi(port); err == nil {
		cfg.Server.Port = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./.database"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Sync.PageLimit <= 0 {
		cfg.Sync.PageLimit = 20
	}
	if cfg.Sync.QueueCapacity <= 0 {
		cfg.Sync.QueueCapacity = 256
	}
	if cfg.Sync.FetchRetries <= 0 {
		cfg.Sync.FetchRetries = 3
	}
	if cfg.Sync.FetchRetryBackoff <= 0 {
		cfg.Sync.FetchRetryBackoff = Duration(250 * time.Millisecond)
	}
	if cfg.Sync.SendRPS <= 0 {
		cfg.Sync.SendRPS = 5
	}
	if cfg.Sync.SendBurst <= 0 {
		cfg.Sync.SendBurst = 10
	}
	if cfg.Sweep.Cron == "" {
		cfg.Sweep.Cron = "*/10 * * * *"
	}
	if cfg.Sweep.MaxAge <= 0 {
		cfg.Sweep.MaxAge = Duration(24 * time.Hour)
	}
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}
