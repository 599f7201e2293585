// Package config loads the pokerclock server configuration from HCL, with
// blind structures either inline or in YAML files, and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/lox/pokerclock/internal/clock"
)

// DefaultFile is the configuration file read when none is given.
const DefaultFile = "pokerclock.hcl"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Environment overrides.
const (
	EnvDatabaseDSN = "POKERCLOCK_DB_DSN"
	EnvNATSURL     = "POKERCLOCK_NATS_URL"
	EnvAddress     = "POKERCLOCK_ADDR"
	EnvDirectorKey = "POKERCLOCK_DIRECTOR_TOKEN"
)

// Config represents the complete server configuration
type Config struct {
	Server      ServerSettings
	Store       StoreSettings
	NATS        *NATSSettings
	Auth        *AuthSettings
	Tournaments []TournamentConfig

	// dir resolves relative structure files.
	dir string
}

// ServerSettings contains listener and logging configuration
type ServerSettings struct {
	Address        string   `hcl:"address,optional"`
	Port           int      `hcl:"port,optional"`
	LogLevel       string   `hcl:"log_level,optional"`
	LogFile        string   `hcl:"log_file,optional"`
	AllowedOrigins []string `hcl:"allowed_origins,optional"`
}

// StoreSettings selects where clock snapshots are kept
type StoreSettings struct {
	Driver string `hcl:"driver,optional"`
	Path   string `hcl:"path,optional"`
	DSN    string `hcl:"dsn,optional"`
}

// NATSSettings enables forwarding clock events to NATS
type NATSSettings struct {
	URL           string `hcl:"url,optional"`
	SubjectPrefix string `hcl:"subject_prefix,optional"`
}

// AuthSettings protects clock commands. Either a validation URL or a set of
// static tokens mapped to director names.
type AuthSettings struct {
	URL            string            `hcl:"url,optional"`
	AdminSecret    string            `hcl:"admin_secret,optional"`
	DirectorTokens map[string]string `hcl:"director_tokens,optional"`
}

// TournamentConfig defines one clocked tournament
type TournamentConfig struct {
	ID            string        `hcl:"id,label"`
	Name          string        `hcl:"name,optional"`
	StructureFile string        `hcl:"structure_file,optional"`
	Levels        []LevelConfig `hcl:"level,block"`
}

// LevelConfig is a blind level as written by a tournament director. Duration
// is minutes plus seconds.
type LevelConfig struct {
	SmallBlind int    `hcl:"small_blind,optional" yaml:"small_blind"`
	BigBlind   int    `hcl:"big_blind,optional" yaml:"big_blind"`
	Ante       int    `hcl:"ante,optional" yaml:"ante"`
	Minutes    int    `hcl:"minutes,optional" yaml:"minutes"`
	Seconds    int    `hcl:"seconds,optional" yaml:"seconds"`
	Break      bool   `hcl:"break,optional" yaml:"break"`
	BreakName  string `hcl:"break_name,optional" yaml:"break_name"`
}

// fileConfig mirrors the HCL document; every top-level block is optional.
type fileConfig struct {
	Server      *ServerSettings    `hcl:"server,block"`
	Store       *StoreSettings     `hcl:"store,block"`
	NATS        *NATSSettings      `hcl:"nats,block"`
	Auth        *AuthSettings      `hcl:"auth,block"`
	Tournaments []TournamentConfig `hcl:"tournament,block"`
}

// Default returns the built-in configuration: an in-memory store and a single
// demo tournament.
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			Address:  "localhost",
			Port:     8080,
			LogLevel: "info",
		},
		Store: StoreSettings{Driver: DriverMemory},
		Tournaments: []TournamentConfig{
			{
				ID:     "main",
				Name:   "Main Event",
				Levels: DefaultLevels(),
			},
		},
	}
}

// DefaultLevels is a short turbo structure with one break.
func DefaultLevels() []LevelConfig {
	return []LevelConfig{
		{SmallBlind: 25, BigBlind: 50, Minutes: 15},
		{SmallBlind: 50, BigBlind: 100, Minutes: 15},
		{SmallBlind: 75, BigBlind: 150, Ante: 25, Minutes: 15},
		{Break: true, BreakName: "Color up", Minutes: 10},
		{SmallBlind: 100, BigBlind: 200, Ante: 25, Minutes: 15},
		{SmallBlind: 150, BigBlind: 300, Ante: 50, Minutes: 15},
		{SmallBlind: 200, BigBlind: 400, Ante: 50, Minutes: 15},
	}
}

// Load loads configuration from an HCL file. A missing file yields Default.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	var raw fileConfig
	diags = gohcl.DecodeBody(file.Body, nil, &raw)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	cfg := Default()
	cfg.dir = filepath.Dir(filename)
	if raw.Server != nil {
		cfg.Server = *raw.Server
	}
	if raw.Store != nil {
		cfg.Store = *raw.Store
	}
	cfg.NATS = raw.NATS
	cfg.Auth = raw.Auth
	if len(raw.Tournaments) > 0 {
		cfg.Tournaments = raw.Tournaments
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Driver == DriverFile && c.Store.Path == "" {
		c.Store.Path = "snapshots"
	}
	if c.NATS != nil && c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "pokerclock"
	}
	for i := range c.Tournaments {
		if c.Tournaments[i].Name == "" {
			c.Tournaments[i].Name = c.Tournaments[i].ID
		}
	}
}

// ApplyEnv overrides settings from the environment. A database DSN switches
// the store to postgres.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}

	if dsn := getenv(EnvDatabaseDSN); dsn != "" {
		c.Store.Driver = DriverPostgres
		c.Store.DSN = dsn
	}
	if url := getenv(EnvNATSURL); url != "" {
		if c.NATS == nil {
			c.NATS = &NATSSettings{SubjectPrefix: "pokerclock"}
		}
		c.NATS.URL = url
	}
	if token := getenv(EnvDirectorKey); token != "" {
		if c.Auth == nil {
			c.Auth = &AuthSettings{}
		}
		if c.Auth.DirectorTokens == nil {
			c.Auth.DirectorTokens = make(map[string]string)
		}
		c.Auth.DirectorTokens[token] = "director"
	}
	if addr := getenv(EnvAddress); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAddress, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvAddress, portStr)
		}
		c.Server.Address = host
		c.Server.Port = port
	}

	return nil
}

// Validate validates the configuration, including every tournament's
// blind structure.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store: file driver requires a path")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store: postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	if c.NATS != nil && c.NATS.URL == "" {
		return fmt.Errorf("nats: url is required")
	}

	if c.Auth != nil && c.Auth.URL == "" && len(c.Auth.DirectorTokens) == 0 {
		return fmt.Errorf("auth: url or director_tokens is required")
	}

	if len(c.Tournaments) == 0 {
		return fmt.Errorf("at least one tournament must be configured")
	}

	seen := make(map[string]bool, len(c.Tournaments))
	for _, t := range c.Tournaments {
		if t.ID == "" {
			return fmt.Errorf("tournament id must not be empty")
		}
		if seen[t.ID] {
			return fmt.Errorf("tournament %s: duplicate id", t.ID)
		}
		seen[t.ID] = true

		if _, err := c.Schedule(t); err != nil {
			return fmt.Errorf("tournament %s: %w", t.ID, err)
		}
	}

	return nil
}

// ListenAddress returns the full server address
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// Tournament returns a tournament configuration by id
func (c *Config) Tournament(id string) (TournamentConfig, bool) {
	for _, t := range c.Tournaments {
		if t.ID == id {
			return t, true
		}
	}
	return TournamentConfig{}, false
}

// Schedule builds and validates the clock schedule for t, reading its
// structure file when one is set.
func (c *Config) Schedule(t TournamentConfig) (clock.Schedule, error) {
	levels := t.Levels
	if t.StructureFile != "" {
		if len(t.Levels) > 0 {
			return nil, fmt.Errorf("structure_file and level blocks are mutually exclusive")
		}
		path := t.StructureFile
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		structure, err := LoadStructure(path)
		if err != nil {
			return nil, err
		}
		levels = structure.Levels
	}
	return BuildSchedule(levels)
}

// BuildSchedule converts director-facing levels into a validated schedule.
func BuildSchedule(levels []LevelConfig) (clock.Schedule, error) {
	out := make([]clock.BlindLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.BlindLevel())
	}
	schedule := clock.Reindex(out)
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return schedule, nil
}

// BlindLevel converts l to an unindexed clock level.
func (l LevelConfig) BlindLevel() clock.BlindLevel {
	level := clock.BlindLevel{
		DurationSeconds: l.Minutes*60 + l.Seconds,
		IsBreak:         l.Break,
	}
	if l.Break {
		level.BreakName = l.BreakName
		return level
	}
	level.SmallBlind = l.SmallBlind
	level.BigBlind = l.BigBlind
	level.Ante = l.Ante
	return level
}
