// Package config loads server settings from .env files, an optional YAML file
// and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voicerooms/pkg/webrtc/ice"
)

// FileEnv names the YAML file holding configuration defaults.
const FileEnv = "VOICEROOMS_CONFIG"

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	ReaperTimer = "timer"
	ReaperAsynq = "asynq"
)

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Config is the server configuration.
type Config struct {
	Addr              string        `yaml:"addr"`
	AppEnv            string        `yaml:"app_env"`
	LogLevel          string        `yaml:"log_level"`
	Store             string        `yaml:"store"`
	Redis             Redis         `yaml:"redis"`
	Reaper            string        `yaml:"reaper"`
	JWTSecret         string        `yaml:"jwt_secret"`
	PublicWSURL       string        `yaml:"public_ws_url"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	EmptyRoomGrace    time.Duration `yaml:"empty_room_grace"`
	DefaultMaxMembers int           `yaml:"default_max_members"`
	ICE               ice.Settings  `yaml:"ice"`

	// Warnings collects values that were ignored while loading. They are
	// logged once a logger exists.
	Warnings []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:              ":8080",
		AppEnv:            "development",
		LogLevel:          "info",
		Store:             StoreMemory,
		Redis:             Redis{Addr: "localhost:6379", Prefix: "voicerooms"},
		Reaper:            ReaperTimer,
		CORSOrigins:       []string{"*"},
		GracePeriod:       15 * time.Second,
		EmptyRoomGrace:    5 * time.Minute,
		DefaultMaxMembers: 10,
		ICE:               ice.Settings{Mode: ice.ModeSTUNTURN},
	}
}

// Load reads .env files, the optional YAML file named by VOICEROOMS_CONFIG and
// finally the environment.
func Load() (Config, error) {
	cfg := Default()
	cfg.Warnings = loadEnvFiles()

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.validate()
}

func loadEnvFiles() []string {
	var warnings []string
	for _, p := range []string{".env", filepath.Join("backend", ".env"), "../.env"} {
		// godotenv.Load never overrides variables already set.
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			warnings = append(warnings, fmt.Sprintf("env load warning for %s: %v", p, err))
		}
	}
	return warnings
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	warnings := c.Warnings
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	c.Warnings = warnings
	return nil
}

func (c *Config) applyEnv() {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("APP_ENV", &c.AppEnv)
	str("LOG_LEVEL", &c.LogLevel)
	str("STORE", &c.Store)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("REAPER", &c.Reaper)
	str("JWT_SECRET", &c.JWTSecret)
	str("PUBLIC_WS_URL", &c.PublicWSURL)

	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		c.CORSOrigins = ice.SplitAndClean(v)
	}
	c.intEnv("REDIS_DB", &c.Redis.DB)
	c.intEnv("DEFAULT_MAX_MEMBERS", &c.DefaultMaxMembers)
	c.durationEnv("GRACE_PERIOD", &c.GracePeriod)
	c.durationEnv("EMPTY_ROOM_GRACE", &c.EmptyRoomGrace)
	c.ICE = ice.SettingsFromEnv(c.ICE)
}

func (c *Config) intEnv(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, keeping %d", key, v, *dst))
		return
	}
	*dst = n
}

func (c *Config) durationEnv(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, keeping %s", key, v, *dst))
		return
	}
	*dst = d
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE %q (want %s or %s)", c.Store, StoreMemory, StoreRedis)
	}
	switch c.Reaper {
	case ReaperTimer, ReaperAsynq:
	default:
		return fmt.Errorf("unknown REAPER %q (want %s or %s)", c.Reaper, ReaperTimer, ReaperAsynq)
	}
	if c.Reaper == ReaperAsynq && c.Store != StoreRedis {
		c.Warnings = append(c.Warnings, "REAPER=asynq needs redis; the asynq queue uses REDIS_ADDR while rooms stay in memory")
	}
	return nil
}

// Production reports whether APP_ENV selects production behavior.
func (c Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
