package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Concurrency int           `yaml:"concurrency"`
	APIKey      string        `yaml:"api_key"`
	InstanceID  string        `yaml:"instance_id"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type StoreConfig struct {
	Path        string        `yaml:"path"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	FileLevel string `yaml:"file_level"`
	JSON      bool   `yaml:"json"`
}

type Config struct {
	Filter FilterConfig `yaml:"filter"`
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

const (
	DefaultConfigFilename = "cuckoo.config.yaml"
	defaultCapacity       = 2_000_000
	defaultFPRate         = 0.001
	defaultServerHost     = "0.0.0.0"
	defaultServerPort     = 5000
	defaultAPIKey         = "xyz"
	defaultStorePath      = "malware.db"
	defaultLogLevel       = "info"
	defaultFileLogLevel   = "debug"
)

func GenerateUUID() string {
	return uuid.NewString()
}

func createDefaultConfig() *Config {
	return &Config{
		Filter: FilterConfig{
			Capacity:          defaultCapacity,
			FalsePositiveRate: defaultFPRate,
			BucketSize:        DefaultBucketSize,
			MaxKicks:          DefaultMaxKicks,
			MaxLoadFactor:     DefaultMaxLoadFactor,
		},
		Server: ServerConfig{
			Host:        defaultServerHost,
			Port:        defaultServerPort,
			Concurrency: runtime.NumCPU() * 256,
			APIKey:      defaultAPIKey,
			InstanceID:  GenerateUUID(),
			ReadTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:        defaultStorePath,
			OpenTimeout: time.Second,
		},
		Log: LogConfig{
			Level:     defaultLogLevel,
			FileLevel: defaultFileLogLevel,
		},
	}
}

func mergeConfigs(defaultConfig, userConfig Config) Config {
	mergedConfig := defaultConfig

	if userConfig.Filter.Capacity != 0 {
		mergedConfig.Filter.Capacity = userConfig.Filter.Capacity
	}
	if userConfig.Filter.FalsePositiveRate != 0 {
		mergedConfig.Filter.FalsePositiveRate = userConfig.Filter.FalsePositiveRate
	}
	if userConfig.Filter.BucketSize != 0 {
		mergedConfig.Filter.BucketSize = userConfig.Filter.BucketSize
	}
	if userConfig.Filter.MaxKicks != 0 {
		mergedConfig.Filter.MaxKicks = userConfig.Filter.MaxKicks
	}
	if userConfig.Filter.MaxLoadFactor != 0 {
		mergedConfig.Filter.MaxLoadFactor = userConfig.Filter.MaxLoadFactor
	}
	if userConfig.Filter.Seed != 0 {
		mergedConfig.Filter.Seed = userConfig.Filter.Seed
	}
	if userConfig.Server.Host != "" {
		mergedConfig.Server.Host = userConfig.Server.Host
	}
	if userConfig.Server.Port != 0 {
		mergedConfig.Server.Port = userConfig.Server.Port
	}
	if userConfig.Server.Concurrency != 0 {
		mergedConfig.Server.Concurrency = userConfig.Server.Concurrency
	}
	if userConfig.Server.APIKey != "" {
		mergedConfig.Server.APIKey = userConfig.Server.APIKey
	}
	if userConfig.Server.InstanceID != "" {
		mergedConfig.Server.InstanceID = userConfig.Server.InstanceID
	}
	if userConfig.Server.ReadTimeout != 0 {
		mergedConfig.Server.ReadTimeout = userConfig.Server.ReadTimeout
	}
	if userConfig.Store.Path != "" {
		mergedConfig.Store.Path = userConfig.Store.Path
	}
	if userConfig.Store.OpenTimeout != 0 {
		mergedConfig.Store.OpenTimeout = userConfig.Store.OpenTimeout
	}
	if userConfig.Log.Level != "" {
		mergedConfig.Log.Level = userConfig.Log.Level
	}
	if userConfig.Log.File != "" {
		mergedConfig.Log.File = userConfig.Log.File
	}
	if userConfig.Log.FileLevel != "" {
		mergedConfig.Log.FileLevel = userConfig.Log.FileLevel
	}
	if userConfig.Log.JSON {
		mergedConfig.Log.JSON = true
	}

	return mergedConfig
}

// ParseConfigFile reads filename and merges it over the defaults. An empty
// filename means DefaultConfigFilename, which may be absent.
func ParseConfigFile(filename string) (*Config, error) {
	optional := false
	if filename == "" {
		filename = DefaultConfigFilename
		optional = true
	}

	file, err := os.Open(filename)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return createDefaultConfig(), nil
		}
		return nil, fmt.Errorf("could not open config file: %w", err)
	}
	defer file.Close()

	userConfig := &Config{}
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(userConfig); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not decode config file: %w", err)
	}

	defaultConfig := createDefaultConfig()
	finalConfig := mergeConfigs(*defaultConfig, *userConfig)

	return &finalConfig, nil
}

// Validate fails fast on settings the process cannot start with.
func (c *Config) Validate() error {
	if _, _, err := c.Filter.Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfiguration, c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store path is required", ErrInvalidConfiguration)
	}
	return nil
}
