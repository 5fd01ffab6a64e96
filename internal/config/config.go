// Package config provides dynamic configuration management for PrevSim.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for PrevSim.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// PortalPort (6677): investor portal
	PortalPort int `mapstructure:"portal_port"`
	// AdminHost/AdminPort (127.0.0.1:1616): sim backend UI + bearer-token API
	AdminHost string `mapstructure:"admin_host"`
	AdminPort int    `mapstructure:"admin_port"`
	DBPath    string `mapstructure:"db_path"`
	DBDriver  string `mapstructure:"db_driver"` // only "sqlite" for now
	UploadDir string `mapstructure:"upload_dir"`

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for portal and admin session cookies.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminToken: pre-shared key for the admin JSON API.
	// Format on wire: "Authorization: Bearer <admin_token>"
	AdminToken string `mapstructure:"admin_token"`
	AdminUser  string `mapstructure:"admin_user"`
	AdminPass  string `mapstructure:"admin_pass"`
	// PortalPassword is the password given to users created without one.
	PortalPassword string `mapstructure:"portal_password"`
	// AllowedIPs restricts both planes to these client IPs; empty allows all.
	AllowedIPs []string `mapstructure:"allowed_ips"`
	// TrustedProxies lists the reverse proxies whose X-Forwarded-For is
	// believed. Empty means the client IP is always the TCP peer.
	TrustedProxies    []string `mapstructure:"trusted_proxies"`
	LoginMaxAttempts  int      `mapstructure:"login_max_attempts"`
	LoginBlockMinutes int      `mapstructure:"login_block_minutes"`

	// ── Simulation ───────────────────────────────────────────────────────────
	SimStartDate string `mapstructure:"sim_start_date"`
	// EvolveSchedule is a cron spec (with seconds) that advances one month
	// per tick. Empty disables automatic evolution.
	EvolveSchedule string `mapstructure:"evolve_schedule"`

	// ── Remote CLI ───────────────────────────────────────────────────────────
	ClientJoinAddr string `mapstructure:"client_join_addr"`
	ClientToken    string `mapstructure:"client_token"`
}

// Defaults returns the built-in configuration without reading any file or
// environment variable.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("portal_port", 6677)
	v.SetDefault("admin_host", "127.0.0.1")
	v.SetDefault("admin_port", 1616)
	v.SetDefault("db_path", "prevsim.db")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("upload_dir", "uploads")

	// Security defaults — MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Pv$7qL!x2@Rm9#tS4^wB6&nK1*zD8")
	v.SetDefault("admin_token", "prevsim-admin-key-123")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("portal_password", "1234")
	v.SetDefault("allowed_ips", []string{})
	v.SetDefault("trusted_proxies", []string{})
	v.SetDefault("login_max_attempts", 5)
	v.SetDefault("login_block_minutes", 15)

	v.SetDefault("sim_start_date", "2026-01-01")
	v.SetDefault("evolve_schedule", "")

	v.SetDefault("client_join_addr", "127.0.0.1:1616")
	v.SetDefault("client_token", "prevsim-admin-key-123")
}

// Load reads config from file (./config.yaml or ~/.prevsim/config.yaml)
// and falls back to smart defaults. Environment variables with prefix PREVSIM_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.prevsim")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("PREVSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
