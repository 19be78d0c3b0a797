package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddr   string
	DBPath       string
	JWTSecret    string
	TokenTTL     time.Duration
	AuthTimeout  time.Duration
	SendTimeout  time.Duration
	ReadTimeout  time.Duration
	EchoToSender bool
}

// fileConfig maps config.toml keys; durations are in seconds.
type fileConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	DBPath       string `toml:"db_path"`
	JWTSecret    string `toml:"jwt_secret"`
	TokenTTL     int    `toml:"token_ttl"`
	AuthTimeout  int    `toml:"auth_timeout"`
	SendTimeout  int    `toml:"send_timeout"`
	ReadTimeout  int    `toml:"read_timeout"`
	EchoToSender bool   `toml:"echo_to_sender"`
}

func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		DBPath:       "fim.db",
		JWTSecret:    "",
		TokenTTL:     24 * time.Hour,
		AuthTimeout:  10 * time.Second,
		SendTimeout:  10 * time.Second,
		ReadTimeout:  120 * time.Second,
		EchoToSender: false,
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then FIM_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}

		if meta.IsDefined("listen_addr") {
			cfg.ListenAddr = raw.ListenAddr
		}
		if meta.IsDefined("db_path") {
			cfg.DBPath = raw.DBPath
		}
		if meta.IsDefined("jwt_secret") {
			cfg.JWTSecret = raw.JWTSecret
		}
		if meta.IsDefined("token_ttl") {
			cfg.TokenTTL = time.Duration(raw.TokenTTL) * time.Second
		}
		if meta.IsDefined("auth_timeout") {
			cfg.AuthTimeout = time.Duration(raw.AuthTimeout) * time.Second
		}
		if meta.IsDefined("send_timeout") {
			cfg.SendTimeout = time.Duration(raw.SendTimeout) * time.Second
		}
		if meta.IsDefined("read_timeout") {
			cfg.ReadTimeout = time.Duration(raw.ReadTimeout) * time.Second
		}
		if meta.IsDefined("echo_to_sender") {
			cfg.EchoToSender = raw.EchoToSender
		}
	}

	if addr := os.Getenv("FIM_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dbPath := os.Getenv("FIM_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if secret := os.Getenv("FIM_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if v := os.Getenv("FIM_TOKEN_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.TokenTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FIM_AUTH_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.AuthTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FIM_SEND_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.SendTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FIM_READ_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.ReadTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("FIM_ECHO_TO_SENDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EchoToSender = b
		}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("load config: jwt_secret is required (set jwt_secret or FIM_JWT_SECRET)")
	}

	return cfg, nil
}
