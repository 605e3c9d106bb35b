package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret"`
		TokenTTL  string `yaml:"tokenTTL"`
	} `yaml:"auth"`
	Session struct {
		JoinCodeLength   int    `yaml:"joinCodeLength"`
		JoinCodeAttempts int    `yaml:"joinCodeAttempts"`
		JoinCodeTTL      string `yaml:"joinCodeTTL"`
		WriteRetries     int    `yaml:"writeRetries"`
		LeaderboardLimit int    `yaml:"leaderboardLimit"`
		SweepInterval    string `yaml:"sweepInterval"`
	} `yaml:"session"`
	Realtime struct {
		ClientBuffer int    `yaml:"clientBuffer"`
		PingInterval string `yaml:"pingInterval"`
	} `yaml:"realtime"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads YAML config from path, then applies environment overrides. A
// .env file in the working directory is loaded first when present.
func Load(path string) (Config, error) {
	// Ignore error so the service still starts when .env is absent.
	_ = godotenv.Load()

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// env-only deployments run without a file
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Postgres.URL = envOr("DATABASE_URL", c.Postgres.URL)
	c.Redis.Addr = envOr("REDIS_ADDR", c.Redis.Addr)
	c.Auth.JWTSecret = envOr("JWT_SECRET", c.Auth.JWTSecret)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		problems = append(problems, "auth.jwtSecret (or JWT_SECRET) is required")
	}
	for name, v := range map[string]int{
		"session.joinCodeLength":   c.Session.JoinCodeLength,
		"session.joinCodeAttempts": c.Session.JoinCodeAttempts,
		"session.writeRetries":     c.Session.WriteRetries,
		"session.leaderboardLimit": c.Session.LeaderboardLimit,
		"realtime.clientBuffer":    c.Realtime.ClientBuffer,
	} {
		if v < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	for name, raw := range map[string]string{
		"server.shutdownTimeout": c.Server.ShutdownTimeout,
		"redis.ttl":              c.Redis.TTL,
		"auth.tokenTTL":          c.Auth.TokenTTL,
		"session.joinCodeTTL":    c.Session.JoinCodeTTL,
		"session.sweepInterval":  c.Session.SweepInterval,
		"realtime.pingInterval":  c.Realtime.PingInterval,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, raw))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	// map iteration order is random
	sort.Strings(problems)
	return errors.New("invalid config: " + strings.Join(problems, "; "))
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
