// Package config loads the bearerbox core's YAML configuration: store
// location, BOX listen ports, SMSC connection groups, the admin surface,
// and the access-log template.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree.
type Config struct {
	Application         ApplicationConfig `yaml:"application"`
	Log                 LogConfig         `yaml:"log"`
	Store               StoreConfig       `yaml:"store"`
	BoxConn             BoxConnConfig     `yaml:"box_connections"`
	SmscGroups          []SmscConfig      `yaml:"smsc_groups"`
	Admin               AdminConfig       `yaml:"admin"`
	AccessLog           AccessLogConfig   `yaml:"access_log"`
	GlobalUnifiedPrefix string            `yaml:"global_unified_prefix"`
	SmsboxByReceiver    map[string]string `yaml:"smsbox_by_receiver"`
	SmsboxBySmsc        map[string]string `yaml:"smsbox_by_smsc"`

	mu sync.RWMutex
}

// ApplicationConfig holds process identity.
type ApplicationConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig configures internal/logger.
type LogConfig struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StoreConfig configures the persistent store (§4.2).
type StoreConfig struct {
	Path                string        `yaml:"path"`
	DumpInterval        time.Duration `yaml:"dump_interval"`
	AckBacklogThreshold int           `yaml:"ack_backlog_threshold"`
}

// BoxConnConfig configures the smsbox/wapbox listener (§6.2).
type BoxConnConfig struct {
	SmsListenAddr        string `yaml:"sms_listen_addr"`
	WapListenAddr        string `yaml:"wap_listen_addr"`
	MaxPending           int    `yaml:"max_pending"`
	MaxIncomingSmsQLen   int    `yaml:"max_incoming_sms_qlength"`
	MaxPerBoxIncomingLen int    `yaml:"max_per_box_incoming_qlength"`
}

// SmscConfig configures one outbound SMSC connection (§3.2).
type SmscConfig struct {
	ID                string        `yaml:"id"`
	Name              string        `yaml:"name"`
	Protocol          string        `yaml:"protocol"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ThroughputPerSec  int           `yaml:"throughput"`
	AllowedSmscID     string        `yaml:"allowed_smsc_id"`
	DeniedSmscID      string        `yaml:"denied_smsc_id"`
	PreferredSmscID   string        `yaml:"preferred_smsc_id"`
	AllowedPrefix     string        `yaml:"allowed_prefix"`
	DeniedPrefix      string        `yaml:"denied_prefix"`
	PreferredPrefix   string        `yaml:"preferred_prefix"`
	UnifiedPrefix     string        `yaml:"unified_prefix"`
	Reroute           bool          `yaml:"reroute"`
	RerouteToSmscID   string        `yaml:"reroute_to_smsc"`
	RerouteByReceiver string        `yaml:"reroute_by_receiver"`
	RerouteDLR        bool          `yaml:"reroute_dlr"`

	// FakeFailRate configures the built-in protocol-less back-end
	// (pkg/smsc.FakeConnection), the one concrete SMSC implementation
	// this repo ships (real wire protocols are out of scope).
	FakeFailRate float64 `yaml:"fake_fail_rate"`
}

// AdminConfig configures the admin HTTP+WebSocket surface (§6.1).
type AdminConfig struct {
	ListenAddr  string        `yaml:"listen_addr"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Users       []AdminUser   `yaml:"users"`
}

// AdminUser is one admin-surface account.
type AdminUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// AccessLogConfig configures the C8 formatter and its sink(s).
type AccessLogConfig struct {
	Template    string `yaml:"template"`
	FilePath    string `yaml:"file_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// Load reads and parses the YAML configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	globalMu.Lock()
	globalCfg = &cfg
	globalMu.Unlock()

	return &cfg, nil
}

// Get returns the process-wide configuration instance.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCfg
}

// Validate checks required fields and value ranges. Invalid config aborts
// startup per §7 ("Invalid config | startup | Abort process").
func (c *Config) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application.name is required")
	}
	if c.BoxConn.SmsListenAddr == "" {
		return fmt.Errorf("box_connections.sms_listen_addr is required")
	}
	if c.BoxConn.MaxPending <= 0 {
		return fmt.Errorf("box_connections.max_pending must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if len(c.SmscGroups) == 0 {
		return fmt.Errorf("at least one smsc_groups entry is required")
	}
	seen := make(map[string]bool)
	for _, g := range c.SmscGroups {
		if g.ID == "" {
			return fmt.Errorf("smsc_groups entries require an id")
		}
		seen[g.ID] = true
	}
	return nil
}

// Reload re-reads the configuration file and atomically swaps the
// process-wide instance.
func Reload(path string) (*Config, error) {
	return Load(path)
}
