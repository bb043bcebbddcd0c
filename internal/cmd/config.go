package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/typerace/internal/game"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Race struct {
		MaxPlayers      int `yaml:"max_players"`
		StartDelaySec   int `yaml:"start_delay_sec"`
		RaceDurationSec int `yaml:"race_duration_sec"`
	} `yaml:"race"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func databaseConfigFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "typerace"),
		Password: getEnv("DB_PASSWORD", "typerace"),
		Database: getEnv("DB_NAME", "typerace"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// raceConfig applies env overrides on top of the yaml file.
func raceConfig(cfg *Config) game.Config {
	gc := game.DefaultConfig()
	if cfg.Race.MaxPlayers > 0 {
		gc.MaxPlayers = cfg.Race.MaxPlayers
	}
	if cfg.Race.StartDelaySec > 0 {
		gc.StartDelaySec = cfg.Race.StartDelaySec
	}
	if cfg.Race.RaceDurationSec > 0 {
		gc.RaceDurationSec = cfg.Race.RaceDurationSec
	}
	gc.MaxPlayers = getEnvAsInt("RACE_MAX_PLAYERS", gc.MaxPlayers)
	gc.StartDelaySec = getEnvAsInt("RACE_START_DELAY_SEC", gc.StartDelaySec)
	gc.RaceDurationSec = getEnvAsInt("RACE_DURATION_SEC", gc.RaceDurationSec)
	return gc
}
