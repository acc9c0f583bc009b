// Package config loads process configuration from environment
// variables using the WAKEZILLA__SECTION__FIELD double-underscore
// nesting convention.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Server holds the management HTTP API's own bind settings.
type Server struct {
	Host string
	Port uint16
}

// Storage holds where the registry persists machines.json.
type Storage struct {
	MachinesDBPath string
}

// Health holds the shutdown agent's own listen settings.
type Health struct {
	Host string
	Port uint16
}

// Config is the full set of process configuration.
type Config struct {
	Server    Server
	Storage   Storage
	Health    Health
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables prefixed
// WAKEZILLA__, falling back to the defaults below for anything unset.
// Field nesting is expressed with a double underscore, e.g.
// WAKEZILLA__SERVER__PROXY_PORT or WAKEZILLA__STORAGE__MACHINES_DB_PATH.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("wakezilla")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.proxy_port", 3000)
	v.SetDefault("storage.machines_db_path", "machines.json")
	v.SetDefault("health.host", "0.0.0.0")
	v.SetDefault("health.port", 3001)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	bind := map[string]string{
		"server.host":              "WAKEZILLA__SERVER__HOST",
		"server.proxy_port":        "WAKEZILLA__SERVER__PROXY_PORT",
		"storage.machines_db_path": "WAKEZILLA__STORAGE__MACHINES_DB_PATH",
		"health.host":              "WAKEZILLA__HEALTH__HOST",
		"health.port":              "WAKEZILLA__HEALTH__PORT",
		"log_level":                "WAKEZILLA__LOG_LEVEL",
		"log_format":               "WAKEZILLA__LOG_FORMAT",
	}
	for key, envKey := range bind {
		if err := v.BindEnv(key, envKey); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := Config{
		Server: Server{
			Host: v.GetString("server.host"),
			Port: uint16(v.GetUint32("server.proxy_port")),
		},
		Storage: Storage{
			MachinesDBPath: v.GetString("storage.machines_db_path"),
		},
		Health: Health{
			Host: v.GetString("health.host"),
			Port: uint16(v.GetUint32("health.port")),
		},
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),
	}
	return cfg, nil
}
