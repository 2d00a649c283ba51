package main

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/Zereker/wiremsg"
)

type Config struct {
	Addr        string
	MetricsAddr string
	LogLevel    string
	BufferSize  int
	Heartbeat   time.Duration
	MaxFrame    int
	Shutdown    time.Duration
}

// LoadConfig reads the environment, after loading the given .env files if
// they exist. Missing files are not an error.
func LoadConfig(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(err, "load %s", f)
		}
	}

	cfg := &Config{
		Addr:        getEnv("WIREMSG_ADDR", "127.0.0.1:12345"),
		MetricsAddr: getEnv("WIREMSG_METRICS_ADDR", ""),
		LogLevel:    getEnv("WIREMSG_LOG_LEVEL", "info"),
		BufferSize:  getEnvInt("WIREMSG_BUFFER_SIZE", 16),
		Heartbeat:   getEnvDuration("WIREMSG_HEARTBEAT", 30*time.Second),
		MaxFrame:    getEnvInt("WIREMSG_MAX_FRAME", wiremsg.MaxFrameLength),
		Shutdown:    getEnvDuration("WIREMSG_SHUTDOWN_TIMEOUT", 5*time.Second),
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.BufferSize <= 0 {
		return errors.New("buffer size must be greater than zero")
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat must be greater than zero")
	}
	if c.MaxFrame < wiremsg.MinFrameLength || c.MaxFrame > wiremsg.MaxFrameLength {
		return errors.Errorf("max frame must be between %d and %d",
			wiremsg.MinFrameLength, wiremsg.MaxFrameLength)
	}
	if c.Shutdown < 0 {
		return errors.New("shutdown timeout cannot be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
