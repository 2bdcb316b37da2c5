// Package config loads the Uptane agent's configuration from a YAML file
// (if present) layered under environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// VerificationMode selects Full Uptane (Director+Image) or Image-only TUF mode.
type VerificationMode string

const (
	ModeFull VerificationMode = "full"
	ModeTuf  VerificationMode = "tuf"
)

// ServerConfig controls the local operator status/control API.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// TLSConfig controls the mTLS connection to the backend.
type TLSConfig struct {
	ServerURL string `json:"server_url" yaml:"server_url" env:"TLS_SERVER_URL"`
	CertPath  string `json:"cert_path" yaml:"cert_path" env:"TLS_CERT_PATH"`
	KeyPath   string `json:"key_path" yaml:"key_path" env:"TLS_KEY_PATH"`
	CAPath    string `json:"ca_path" yaml:"ca_path" env:"TLS_CA_PATH"`
}

// RepoConfig controls a Director or Image repository endpoint.
type RepoConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
}

// DatabaseConfig controls MetaStore persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// UptaneConfig controls verification/update behavior.
type UptaneConfig struct {
	VerificationMode           VerificationMode `json:"verification_mode" yaml:"verification_mode" env:"UPTANE_VERIFICATION_MODE"`
	ForceInstallCompletion     bool             `json:"force_install_completion" yaml:"force_install_completion" env:"UPTANE_FORCE_INSTALL_COMPLETION"`
	SecondaryPreinstallWaitSec int              `json:"secondary_preinstall_wait_sec" yaml:"secondary_preinstall_wait_sec" env:"UPTANE_SECONDARY_PREINSTALL_WAIT_SEC"`
	KeyType                    string           `json:"key_type" yaml:"key_type" env:"UPTANE_KEY_TYPE"`
	RebootSentinelPath         string           `json:"reboot_sentinel_path" yaml:"reboot_sentinel_path" env:"UPTANE_REBOOT_SENTINEL_PATH"`
	ReportNetwork              bool             `json:"report_network" yaml:"report_network" env:"UPTANE_REPORT_NETWORK"`
	ReportConfig               bool             `json:"report_config" yaml:"report_config" env:"UPTANE_REPORT_CONFIG"`
	UpdateLockFilePath         string           `json:"update_lock_file_path" yaml:"update_lock_file_path" env:"UPTANE_UPDATE_LOCK_FILE_PATH"`
	PollIntervalSec            int              `json:"poll_interval_sec" yaml:"poll_interval_sec" env:"UPTANE_POLL_INTERVAL_SEC"`
}

// PackageManagerConfig controls which installer backend is active.
type PackageManagerConfig struct {
	Type                 string `json:"type" yaml:"type" env:"PACKAGE_MANAGER_TYPE"`
	OSTreeSysroot        string `json:"ostree_sysroot" yaml:"ostree_sysroot" env:"PACKAGE_MANAGER_OSTREE_SYSROOT"`
	RAUCDBusName         string `json:"rauc_dbus_name" yaml:"rauc_dbus_name" env:"PACKAGE_MANAGER_RAUC_DBUS_NAME"`
	ComposeFile          string `json:"compose_file" yaml:"compose_file" env:"PACKAGE_MANAGER_COMPOSE_FILE"`
	GenericActionHandler string `json:"generic_action_handler" yaml:"generic_action_handler" env:"PACKAGE_MANAGER_GENERIC_ACTION_HANDLER"`
}

// ProvisioningConfig controls device provisioning.
type ProvisioningConfig struct {
	Mode              string `json:"mode" yaml:"mode" env:"PROVISIONING_MODE"` // "shared-cred" | "device-cred"
	ArchivePath       string `json:"archive_path" yaml:"archive_path" env:"PROVISIONING_ARCHIVE_PATH"`
	PrimaryECUSerial  string `json:"primary_ecu_serial" yaml:"primary_ecu_serial" env:"PROVISIONING_PRIMARY_ECU_SERIAL"`
	PrimaryHardwareID string `json:"primary_hardware_id" yaml:"primary_hardware_id" env:"PROVISIONING_PRIMARY_HARDWARE_ID"`
}

// ReportQueueConfig controls the ReportQueue background flusher.
type ReportQueueConfig struct {
	RunPauseSec      int `json:"run_pause_sec" yaml:"run_pause_sec" env:"REPORTQUEUE_RUN_PAUSE_SEC"`
	EventNumberLimit int `json:"event_number_limit" yaml:"event_number_limit" env:"REPORTQUEUE_EVENT_NUMBER_LIMIT"`
}

// SecondaryConfig describes one attached Secondary ECU reachable over the
// framed transport.
type SecondaryConfig struct {
	EcuSerial  string `json:"ecu_serial" yaml:"ecu_serial"`
	HardwareID string `json:"hardware_id" yaml:"hardware_id"`
	Address    string `json:"address" yaml:"address"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig         `json:"server" yaml:"server"`
	Tls            TLSConfig            `json:"tls" yaml:"tls"`
	Director       RepoConfig           `json:"director" yaml:"director"`
	Image          RepoConfig           `json:"image" yaml:"image"`
	Database       DatabaseConfig       `json:"database" yaml:"database"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Uptane         UptaneConfig         `json:"uptane" yaml:"uptane"`
	PackageManager PackageManagerConfig `json:"package_manager" yaml:"package_manager"`
	Provisioning   ProvisioningConfig   `json:"provisioning" yaml:"provisioning"`
	ReportQueue    ReportQueueConfig    `json:"report_queue" yaml:"report_queue"`
	Secondaries    []SecondaryConfig    `json:"secondaries" yaml:"secondaries"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 9050},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "uptane-agent.db",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "uptane-agent",
		},
		Uptane: UptaneConfig{
			VerificationMode:           ModeFull,
			SecondaryPreinstallWaitSec: 60,
			KeyType:                    "ed25519",
			ReportNetwork:              true,
			ReportConfig:               true,
			UpdateLockFilePath:         "/var/run/uptane-agent/update.lock",
			PollIntervalSec:            300,
		},
		PackageManager: PackageManagerConfig{Type: "ostree"},
		Provisioning:   ProvisioningConfig{Mode: "shared-cred"},
		ReportQueue:    ReportQueueConfig{RunPauseSec: 5, EventNumberLimit: 100},
	}
}

// Load loads configuration from a file (if CONFIG_FILE is set, or the default
// path exists) and then overlays environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("/etc/uptane-agent/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file only (used by tests/CLI -config flag).
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate enforces the invariants the rest of the agent relies on (ReportQueue
// construction rejects event_number_limit == 0) plus basic sanity.
func (c *Config) Validate() error {
	if c.ReportQueue.EventNumberLimit <= 0 {
		return fmt.Errorf("config: report_queue.event_number_limit must be > 0")
	}
	if c.Uptane.VerificationMode != ModeFull && c.Uptane.VerificationMode != ModeTuf {
		return fmt.Errorf("config: uptane.verification_mode must be %q or %q", ModeFull, ModeTuf)
	}
	return nil
}
