package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ROTA"
	defaultHTTPAddress     = "0.0.0.0:3000"
	defaultStorageRoot     = "."
	defaultUploadsDir      = "uploads"
	defaultMaxFiles        = 10
	defaultMaxFileSizeMB   = 50
	defaultMetadataDriver  = DriverJSON
	defaultMetadataPath    = "db.json"
	defaultAuditLogPath    = "operation.log"
	defaultAuditMaxSizeMB  = 100
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	multipartOverheadBytes = 1 << 20

	DriverJSON   = "json"
	DriverSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	TrustedProxies []string
	StorageRoot    string
	UploadsDir     string
	MaxFiles       int
	MaxFileSizeMB  int
	MetadataDriver string
	MetadataPath   string
	AuditLogPath   string
	AuditMaxSizeMB int
	LogLevel       string
	LogFormat      string
	EventsEnabled  bool
	MetricsEnabled bool
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
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("uploads.max_files", defaultMaxFiles)
	configViper.SetDefault("uploads.max_file_size_mb", defaultMaxFileSizeMB)
	configViper.SetDefault("metadata.driver", defaultMetadataDriver)
	configViper.SetDefault("metadata.path", defaultMetadataPath)
	configViper.SetDefault("audit.log_path", defaultAuditLogPath)
	configViper.SetDefault("audit.max_size_mb", defaultAuditMaxSizeMB)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("events.enabled", true)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		TrustedProxies: configViper.GetStringSlice("http.trusted_proxies"),
		StorageRoot:    configViper.GetString("storage.root"),
		UploadsDir:     configViper.GetString("uploads.dir"),
		MaxFiles:       configViper.GetInt("uploads.max_files"),
		MaxFileSizeMB:  configViper.GetInt("uploads.max_file_size_mb"),
		MetadataDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("metadata.driver"))),
		MetadataPath:   configViper.GetString("metadata.path"),
		AuditLogPath:   configViper.GetString("audit.log_path"),
		AuditMaxSizeMB: configViper.GetInt("audit.max_size_mb"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		EventsEnabled:  configViper.GetBool("events.enabled"),
		MetricsEnabled: configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("http.trusted_proxies: %q is neither an IP nor a CIDR", proxy)
		}
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.UploadsDir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("uploads.max_files must be positive, got %d", c.MaxFiles)
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("uploads.max_file_size_mb must be positive, got %d", c.MaxFileSizeMB)
	}
	if c.MetadataDriver != DriverJSON && c.MetadataDriver != DriverSQLite {
		return fmt.Errorf("metadata.driver must be %q or %q, got %q", DriverJSON, DriverSQLite, c.MetadataDriver)
	}
	if strings.TrimSpace(c.MetadataPath) == "" {
		return fmt.Errorf("metadata.path is required")
	}
	if strings.TrimSpace(c.AuditLogPath) == "" {
		return fmt.Errorf("audit.log_path is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.LogFormat)
	}
	if c.AuditMaxSizeMB <= 0 {
		return fmt.Errorf("audit.max_size_mb must be positive, got %d", c.AuditMaxSizeMB)
	}
	return nil
}

// MaxFileSizeBytes returns the per-file upload limit in bytes.
func (c AppConfig) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// MaxUploadBytes bounds a whole multipart request: every file at its limit
// plus room for part headers.
func (c AppConfig) MaxUploadBytes() int64 {
	return int64(c.MaxFiles)*c.MaxFileSizeBytes() + multipartOverheadBytes
}

// ResolvePath returns path unchanged when absolute, otherwise relative to the storage root.
func (c AppConfig) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.StorageRoot, path)
}
