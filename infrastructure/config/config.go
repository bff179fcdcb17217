// Package config provides unified configuration loading for the wallet core
// binaries: environment variable helpers with defaults, optional .env loading
// for local development, struct-tagged env decoding, and YAML file configs.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads a .env file if present. Missing files are not an error;
// production deployments configure through the environment directly.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Decode populates a struct from the environment using `env:` tags.
func Decode(target interface{}) error {
	if err := envdecode.Decode(target); err != nil {
		return fmt.Errorf("decode env config: %w", err)
	}
	return nil
}

// LoadYAML reads a YAML config file into target.
func LoadYAML(path string, target interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// Environment Helpers
// =============================================================================

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvDuration retrieves a duration environment variable with optional default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvBytes retrieves a binary value from the environment. Values prefixed
// with 0x are hex-decoded, everything else is taken as raw bytes.
func GetEnvBytes(key string) ([]byte, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, fmt.Errorf("%s is required", key)
	}
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return hex.DecodeString(value[2:])
	}
	return []byte(value), nil
}

// GetEnvCSV parses a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries.
func GetEnvCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
