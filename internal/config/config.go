package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CARAVEL"
	defaultHTTPAddress  = "0.0.0.0:7373"
	defaultDatabasePath = "caravel.db"
	defaultLogLevel     = "info"
	defaultLibraryName  = "My Library"
	defaultTokenTTL     = 12 * time.Hour
	defaultSyncPageSize = 256
)

// AppConfig captures runtime configuration for the device daemon.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LibraryName   string
	DeviceName    string
	SigningSecret string
	PairingSecret string
	TokenTTL      time.Duration
	SyncPageSize  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("library.name", defaultLibraryName)
	configViper.SetDefault("device.name", "")
	configViper.SetDefault("auth.token_ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("sync.page_size", defaultSyncPageSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		LibraryName:   configViper.GetString("library.name"),
		DeviceName:    configViper.GetString("device.name"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		PairingSecret: configViper.GetString("auth.pairing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SyncPageSize:  configViper.GetInt("sync.page_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.PairingSecret) == "" {
		return fmt.Errorf("auth.pairing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.LibraryName) == "" {
		return fmt.Errorf("library.name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	return nil
}
