package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged view of flags, env and config file
// that the rest of the server consumes.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "env", or "config"
}

// ParseFlags parses command-line flags and records which were set.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP/WS listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// Load parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv overlays PARLEYDB_* environment variables onto cfg and reports
// whether any were present.
func applyEnv(cfg *Config) bool {
	used := false
	if v := os.Getenv("PARLEYDB_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err == nil {
			cfg.Server.Address = host
			if p, perr := strconv.Atoi(port); perr == nil {
				cfg.Server.Port = p
			}
			used = true
		}
	}
	if v := os.Getenv("PARLEYDB_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
		used = true
	}
	if v := os.Getenv("PARLEYDB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		used = true
	}
	if v := os.Getenv("PARLEYDB_BACKEND_KEYS"); v != "" {
		cfg.Security.APIKeys.Backend = splitList(v)
		used = true
	}
	if v := os.Getenv("PARLEYDB_ADMIN_KEYS"); v != "" {
		cfg.Security.APIKeys.Admin = splitList(v)
		used = true
	}
	return used
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadEffective merges the config file, environment and flags into the
// single source of truth. Flags win over env, env wins over file.
func LoadEffective(flags Flags) (EffectiveConfigResult, error) {
	cfg := &Config{}
	source := "flags"
	if b, err := os.ReadFile(flags.Config); err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return EffectiveConfigResult{}, fmt.Errorf("parse config %s: %w", flags.Config, err)
		}
		source = "config"
	} else if flags.Set["config"] {
		// An explicitly named config file must exist.
		return EffectiveConfigResult{}, err
	}
	if applyEnv(cfg) {
		source = "env"
	}

	cfg.applyDefaults()

	addr := cfg.Addr()
	if flags.Set["addr"] || addr == ":0" {
		addr = flags.Addr
		source = "flags"
	}
	dbPath := cfg.Server.DBPath
	if flags.Set["db"] || dbPath == "" {
		dbPath = flags.DB
	}
	return EffectiveConfigResult{Config: cfg, Addr: addr, DBPath: dbPath, Source: source}, nil
}

// Addr renders the configured listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

func (c *Config) applyDefaults() {
	if c.Sync.InitialWindow <= 0 {
		c.Sync.InitialWindow = 10
	}
	if c.Sync.MaxPageSize <= 0 {
		c.Sync.MaxPageSize = 50
	}
	if c.Sync.SessionBuffer <= 0 {
		c.Sync.SessionBuffer = 64
	}
	if c.Sync.RequestRPS <= 0 {
		c.Sync.RequestRPS = 10
	}
	if c.Sync.RequestBurst <= 0 {
		c.Sync.RequestBurst = 20
	}
	if c.Resolve.RequestsPerSecond <= 0 {
		c.Resolve.RequestsPerSecond = 20
	}
	if c.Resolve.Burst <= 0 {
		c.Resolve.Burst = 5
	}
	if c.Resolve.MaxPerTick <= 0 {
		c.Resolve.MaxPerTick = 8
	}
	if c.Resolve.MaxCached <= 0 {
		c.Resolve.MaxCached = 200
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 2 * * *"
	}
}
