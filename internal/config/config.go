// Package config loads and holds server configuration: the option set
// named in spec.md §6.4 plus the ambient database/bus settings every
// deployment of this stack carries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config manages service configuration.
type Config struct {
	mu     sync.RWMutex
	values map[string]string

	restartKeys []string

	Protocol                     string
	Port                         int
	CertificatePath              string
	PrivateKeyPath               string
	DBName                       string
	LocalMode                    bool
	PublicDataAccess             bool
	AllowAddingUsers             bool
	UseAuthFiles                 bool
	BaseAuthDir                  string
	ExtraLocalPort               int
	ExternalDataSourceConfigPath string
	DebugLevel                   int
	MaxSegmentSize               int
	PoolSize                     int
	PoolDelay                    time.Duration

	// Ambient database settings, carried the way the teacher's pkg/database
	// always does regardless of which features spec.md's Non-goals exclude.
	DatabaseHost           string
	DatabasePort           int
	DatabaseUser           string
	DatabasePassword       string
	DatabaseSSLMode        string
	DatabaseMaxConnections int

	// BusRedisAddr, when non-empty, enables the cross-instance fan-out relay
	// in internal/bus. Empty means single-process operation (spec.md default).
	BusRedisAddr string
}

// fileShape mirrors the YAML document layout; field names match spec.md §6.4.
type fileShape struct {
	Protocol                     string `yaml:"protocol"`
	Port                         int    `yaml:"port"`
	CertificatePath              string `yaml:"certificatePath"`
	PrivateKeyPath               string `yaml:"privateKeyPath"`
	DBName                       string `yaml:"dbName"`
	LocalMode                    bool   `yaml:"localMode"`
	PublicDataAccess             bool   `yaml:"publicDataAccess"`
	AllowAddingUsers             bool   `yaml:"allowAddingUsers"`
	UseAuthFiles                 bool   `yaml:"useAuthFiles"`
	BaseAuthDir                  string `yaml:"baseAuthDir"`
	ExtraLocalPort               int    `yaml:"extraLocalPort"`
	ExternalDataSourceConfigPath string `yaml:"externalDataSourceConfigPath"`
	DebugLevel                   int    `yaml:"debugLevel"`
	MaxSegmentSize               int    `yaml:"maxSegmentSize"`
	PoolSize                     int    `yaml:"poolSize"`
	PoolDelayMillis              int    `yaml:"poolDelayMillis"`

	DatabaseHost           string `yaml:"databaseHost"`
	DatabasePort           int    `yaml:"databasePort"`
	DatabaseUser           string `yaml:"databaseUser"`
	DatabasePassword       string `yaml:"databasePassword"`
	DatabaseSSLMode        string `yaml:"databaseSslMode"`
	DatabaseMaxConnections int    `yaml:"databaseMaxConnections"`

	BusRedisAddr string `yaml:"busRedisAddr"`
}

// defaults mirror the reference's dev-mode fallbacks (cf. pkg/database's
// FromGlobalConfig hardcoded defaults).
func defaults() fileShape {
	return fileShape{
		Protocol:               "ws",
		Port:                   8080,
		DBName:                 "resourced",
		AllowAddingUsers:       true,
		BaseAuthDir:            "./auth",
		DebugLevel:             1,
		MaxSegmentSize:         16000,
		PoolSize:               50,
		PoolDelayMillis:        50,
		DatabaseHost:           "localhost",
		DatabasePort:           5432,
		DatabaseUser:           "resourced",
		DatabasePassword:       "resourced",
		DatabaseSSLMode:        "disable",
		DatabaseMaxConnections: 40,
	}
}

// New returns a Config populated with defaults and no file/env overrides
// applied; callers typically use Load instead.
func New() *Config {
	return fromShape(defaults())
}

// Load reads a YAML file at path (if it exists) over the defaults, then
// applies RESOURCED_* environment variable overrides.
func Load(path string) (*Config, error) {
	shape := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &shape); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnvOverrides(&shape)
	return fromShape(shape), nil
}

func fromShape(s fileShape) *Config {
	c := &Config{
		values: make(map[string]string),
		restartKeys: []string{
			"protocol", "port", "dbName", "databaseHost", "databasePort",
		},
		Protocol:                     s.Protocol,
		Port:                         s.Port,
		CertificatePath:              s.CertificatePath,
		PrivateKeyPath:               s.PrivateKeyPath,
		DBName:                       s.DBName,
		LocalMode:                    s.LocalMode,
		PublicDataAccess:             s.PublicDataAccess,
		AllowAddingUsers:             s.AllowAddingUsers,
		UseAuthFiles:                 s.UseAuthFiles,
		BaseAuthDir:                  s.BaseAuthDir,
		ExtraLocalPort:               s.ExtraLocalPort,
		ExternalDataSourceConfigPath: s.ExternalDataSourceConfigPath,
		DebugLevel:                   s.DebugLevel,
		MaxSegmentSize:               s.MaxSegmentSize,
		PoolSize:                     s.PoolSize,
		PoolDelay:                    time.Duration(s.PoolDelayMillis) * time.Millisecond,
		DatabaseHost:                 s.DatabaseHost,
		DatabasePort:                 s.DatabasePort,
		DatabaseUser:                 s.DatabaseUser,
		DatabasePassword:             s.DatabasePassword,
		DatabaseSSLMode:              s.DatabaseSSLMode,
		DatabaseMaxConnections:       s.DatabaseMaxConnections,
		BusRedisAddr:                 s.BusRedisAddr,
	}
	c.values["protocol"] = c.Protocol
	c.values["port"] = strconv.Itoa(c.Port)
	c.values["dbName"] = c.DBName
	c.values["databaseHost"] = c.DatabaseHost
	c.values["databasePort"] = strconv.Itoa(c.DatabasePort)
	return c
}

func applyEnvOverrides(s *fileShape) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv("RESOURCED_" + name); ok {
			*dst = v
		}
	}
	intv := func(name string, dst *int) {
		if v, ok := os.LookupEnv("RESOURCED_" + name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolv := func(name string, dst *bool) {
		if v, ok := os.LookupEnv("RESOURCED_" + name); ok {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("PROTOCOL", &s.Protocol)
	intv("PORT", &s.Port)
	str("CERTIFICATE_PATH", &s.CertificatePath)
	str("PRIVATE_KEY_PATH", &s.PrivateKeyPath)
	str("DB_NAME", &s.DBName)
	boolv("LOCAL_MODE", &s.LocalMode)
	boolv("PUBLIC_DATA_ACCESS", &s.PublicDataAccess)
	boolv("ALLOW_ADDING_USERS", &s.AllowAddingUsers)
	boolv("USE_AUTH_FILES", &s.UseAuthFiles)
	str("BASE_AUTH_DIR", &s.BaseAuthDir)
	intv("EXTRA_LOCAL_PORT", &s.ExtraLocalPort)
	str("EXTERNAL_DATA_SOURCE_CONFIG_PATH", &s.ExternalDataSourceConfigPath)
	intv("DEBUG_LEVEL", &s.DebugLevel)
	intv("MAX_SEGMENT_SIZE", &s.MaxSegmentSize)
	intv("POOL_SIZE", &s.PoolSize)
	intv("POOL_DELAY_MILLIS", &s.PoolDelayMillis)
	str("DATABASE_HOST", &s.DatabaseHost)
	intv("DATABASE_PORT", &s.DatabasePort)
	str("DATABASE_USER", &s.DatabaseUser)
	str("DATABASE_PASSWORD", &s.DatabasePassword)
	str("DATABASE_SSL_MODE", &s.DatabaseSSLMode)
	intv("DATABASE_MAX_CONNECTIONS", &s.DatabaseMaxConnections)
	str("BUS_REDIS_ADDR", &s.BusRedisAddr)
}

// Get retrieves a raw configuration value by its file-key name.
func (c *Config) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetAll returns a copy of all raw configuration values.
func (c *Config) GetAll() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copied := make(map[string]string, len(c.values))
	for k, v := range c.values {
		copied[k] = v
	}
	return copied
}

// Update merges raw values, used by administrative reload paths.
func (c *Config) Update(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.values[k] = v
	}
}

// RequiresRestart reports whether any restart-sensitive key differs from oldConfig.
func (c *Config) RequiresRestart(oldConfig map[string]string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, key := range c.restartKeys {
		if oldConfig[key] != c.values[key] {
			return true
		}
	}
	return false
}

// SetRestartKeys overrides which keys require a restart when changed.
func (c *Config) SetRestartKeys(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartKeys = keys
}
