package citadel

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/persist"
)

// DefaultStorePath is the filesystem store location when none is configured.
const DefaultStorePath = ".citadel"

// RootKeyEnvVar names the environment variable LoadConfig reads the root key
// material from, base64 encoded. Key material never goes in config files.
const RootKeyEnvVar = "CITADEL_ROOT_KEY"

// Config assembles an engine from declarative settings: which storage
// backend to use, where the audit trail goes, and the engine options. Use
// LoadConfig to populate one from a YAML file and CITADEL_* environment
// variables, or build it directly.
type Config struct {
	// StoreType selects the storage backend, "filesystem" or "s3". Empty
	// selects "filesystem".
	StoreType string `json:"store_type" yaml:"store_type"`

	// StorePath is the filesystem store's base directory. Empty selects
	// DefaultStorePath.
	StorePath string `json:"store_path" yaml:"store_path"`

	// S3 holds the backend settings when StoreType is "s3".
	S3 *persist.S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`

	// Audit configures the audit trail. Nil keeps the default in-memory ring.
	Audit *audit.Config `json:"audit,omitempty" yaml:"audit,omitempty"`

	// Options tunes the engine. Zero values select the documented defaults.
	Options Options `json:"options" yaml:"options"`
}

// storeConfig translates the declarative store settings into the persistence
// factory's input.
func (c Config) storeConfig() persist.StoreConfig {
	if strings.EqualFold(c.StoreType, string(persist.StoreTypeS3)) {
		s3 := persist.S3Config{}
		if c.S3 != nil {
			s3 = *c.S3
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3.Endpoint,
				"access_key_id":     s3.AccessKeyID,
				"secret_access_key": s3.SecretAccessKey,
				"bucket":            s3.Bucket,
				"key_prefix":        s3.KeyPrefix,
				"use_ssl":           s3.UseSSL,
				"region":            s3.Region,
			},
		}
	}

	if c.StoreType != "" && !strings.EqualFold(c.StoreType, string(persist.StoreTypeFileSystem)) {
		// Unknown types surface through the factory as unsupported
		return persist.StoreConfig{Type: persist.StoreType(c.StoreType)}
	}

	path := c.StorePath
	if path == "" {
		path = DefaultStorePath
	}
	return persist.StoreConfig{
		Type:   persist.StoreTypeFileSystem,
		Config: map[string]interface{}{"base_path": path},
	}
}

// LoadConfig reads engine configuration from a YAML file and the
// environment.
//
// With an empty path the file is searched as citadel.yaml in the working
// directory, the user's home directory, and /etc/citadel; a missing file is
// fine and leaves the defaults in place. An explicit path must exist.
// Every key can be overridden through CITADEL_* environment variables with
// dots replaced by underscores, e.g. CITADEL_STORE_PATH or
// CITADEL_OPTIONS_MAX_VERSIONS. Root key material comes exclusively from
// the CITADEL_ROOT_KEY environment variable, base64 encoded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath("/etc/citadel")
		v.SetConfigType("yaml")
		v.SetConfigName("citadel")
	}

	v.SetEnvPrefix("CITADEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || path != "" {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := Config{
		StoreType: v.GetString("store.type"),
		StorePath: v.GetString("store.path"),
		Options: Options{
			MaxVersions:             v.GetInt("options.max_versions"),
			DefaultRotationInterval: v.GetDuration("options.default_rotation_interval"),
			RotationScanInterval:    v.GetDuration("options.rotation_scan_interval"),
			MaxValueSize:            v.GetInt("options.max_value_size"),
			KeyLength:               v.GetInt("options.key_length"),
			EnableMemoryLock:        v.GetBool("options.enable_memory_lock"),
			RBACTimeout:             v.GetDuration("options.rbac_timeout"),
			FailureAlertWindow:      v.GetDuration("options.failure_alert_window"),
			FailureAlertThreshold:   v.GetInt("options.failure_alert_threshold"),
		},
	}

	if strings.EqualFold(config.StoreType, string(persist.StoreTypeS3)) {
		config.S3 = &persist.S3Config{
			Endpoint:        v.GetString("store.s3.endpoint"),
			AccessKeyID:     v.GetString("store.s3.access_key_id"),
			SecretAccessKey: v.GetString("store.s3.secret_access_key"),
			Bucket:          v.GetString("store.s3.bucket"),
			KeyPrefix:       v.GetString("store.s3.key_prefix"),
			UseSSL:          v.GetBool("store.s3.use_ssl"),
			Region:          v.GetString("store.s3.region"),
		}
	}

	if v.GetBool("audit.enabled") {
		auditType := audit.ConfigType(v.GetString("audit.type"))
		options := v.GetStringMap("audit.options")
		if options == nil {
			options = map[string]interface{}{}
		}
		if auditType == audit.FileAuditType {
			if _, ok := options["file_path"]; !ok {
				options["file_path"] = filepath.Join(config.StorePath, "audit.log")
			}
		}
		config.Audit = &audit.Config{
			Enabled:  true,
			Type:     auditType,
			RingSize: v.GetInt("audit.ring_size"),
			Options:  options,
			LogLevel: v.GetString("audit.log_level"),
		}
	}

	if material := os.Getenv(RootKeyEnvVar); material != "" {
		key, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return Config{}, fmt.Errorf("failed to decode %s: %w", RootKeyEnvVar, err)
		}
		config.Options.RootKeyMaterial = key
	}

	return config, nil
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("store.type", string(persist.StoreTypeFileSystem))
	v.SetDefault("store.path", DefaultStorePath)

	v.SetDefault("store.s3.region", "us-east-1")
	v.SetDefault("store.s3.key_prefix", "citadel/")
	v.SetDefault("store.s3.use_ssl", true)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.type", string(audit.RingAuditType))
	v.SetDefault("audit.log_level", "info")

	v.SetDefault("options.max_versions", DefaultMaxVersions)
	v.SetDefault("options.default_rotation_interval", DefaultRotationInterval)
	v.SetDefault("options.rotation_scan_interval", DefaultRotationScanInterval)
	v.SetDefault("options.max_value_size", DefaultMaxValueSize)
	v.SetDefault("options.rbac_timeout", DefaultRBACTimeout)
	v.SetDefault("options.failure_alert_window", DefaultFailureAlertWindow)
	v.SetDefault("options.failure_alert_threshold", DefaultFailureAlertThreshold)
}

// WriteDefaultConfig renders a commented starting configuration to path. It
// refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	template := map[string]interface{}{
		"store": map[string]interface{}{
			"type": string(persist.StoreTypeFileSystem),
			"path": DefaultStorePath,
		},
		"audit": map[string]interface{}{
			"enabled":   true,
			"type":      string(audit.FileAuditType),
			"log_level": "info",
			"options": map[string]interface{}{
				"file_path": filepath.Join(DefaultStorePath, "audit.log"),
			},
		},
		"options": map[string]interface{}{
			"max_versions":              DefaultMaxVersions,
			"default_rotation_interval": DefaultRotationInterval.String(),
			"rotation_scan_interval":    DefaultRotationScanInterval.String(),
			"max_value_size":            DefaultMaxValueSize,
			"enable_memory_lock":        false,
			"rbac_timeout":              DefaultRBACTimeout.String(),
			"failure_alert_window":      DefaultFailureAlertWindow.String(),
			"failure_alert_threshold":   DefaultFailureAlertThreshold,
		},
	}

	data, err := yaml.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal config template: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err = os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
