package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config represents the daemon configuration
type Config struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Audit   AuditConfig   `mapstructure:"audit" yaml:"audit"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// NodeConfig identifies this resource
type NodeConfig struct {
	ResourceName string `mapstructure:"resource_name" yaml:"resource_name" validate:"required"`
	Domain       string `mapstructure:"domain" yaml:"domain" validate:"required"`
	NodeType     string `mapstructure:"node_type" yaml:"node_type"`
	Site         string `mapstructure:"site" yaml:"site"`
	// AdvertiseAddr is the address peers dial; defaults to server host:port.
	AdvertiseAddr string `mapstructure:"advertise_addr" yaml:"advertise_addr"`
}

// ServerConfig contains gRPC server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend" validate:"oneof=badger memory"`
	DataDir    string        `mapstructure:"data_dir" yaml:"data_dir"`
	InMemory   bool          `mapstructure:"in_memory" yaml:"in_memory"`
	SyncWrites bool          `mapstructure:"sync_writes" yaml:"sync_writes"`
	GCInterval time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
}

// MonitorConfig configures the integrity monitor. An interval <= 0 turns
// its check off.
type MonitorConfig struct {
	CycleInterval             time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval" validate:"gt=0"`
	FPMonitorInterval         time.Duration `mapstructure:"fp_monitor_interval" yaml:"fp_monitor_interval"`
	FailedCounterThreshold    int           `mapstructure:"failed_counter_threshold" yaml:"failed_counter_threshold"`
	TestTransInterval         time.Duration `mapstructure:"test_trans_interval" yaml:"test_trans_interval"`
	WriteFPCInterval          time.Duration `mapstructure:"write_fpc_interval" yaml:"write_fpc_interval"`
	CheckDependencyInterval   time.Duration `mapstructure:"check_dependency_interval" yaml:"check_dependency_interval"`
	MaxFPCUpdateInterval      time.Duration `mapstructure:"max_fpc_update_interval" yaml:"max_fpc_update_interval"`
	RefreshStateAuditInterval time.Duration `mapstructure:"refresh_state_audit_interval" yaml:"refresh_state_audit_interval"`
	StateAuditInterval        time.Duration `mapstructure:"state_audit_interval" yaml:"state_audit_interval"`
	// DependencyGroups is "a,b;c": OR within a group, AND across groups.
	DependencyGroups  string        `mapstructure:"dependency_groups" yaml:"dependency_groups"`
	RemoteHealthCheck bool          `mapstructure:"remote_health_check" yaml:"remote_health_check"`
	PeerTimeout       time.Duration `mapstructure:"peer_timeout" yaml:"peer_timeout" validate:"gte=0"`
}

// AuditConfig configures audit designation and the replica audit
type AuditConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	CompletionInterval time.Duration `mapstructure:"completion_interval" yaml:"completion_interval" validate:"gt=0"`
	SleepInterval      time.Duration `mapstructure:"sleep_interval" yaml:"sleep_interval" validate:"gt=0"`
	TouchInterval      time.Duration `mapstructure:"touch_interval" yaml:"touch_interval" validate:"gt=0"`
	ErrorBackoff       time.Duration `mapstructure:"error_backoff" yaml:"error_backoff" validate:"gt=0"`
	TimeCheckRecords   int           `mapstructure:"time_check_records" yaml:"time_check_records" validate:"gt=0"`
	TimeCheckSleep     time.Duration `mapstructure:"time_check_sleep" yaml:"time_check_sleep" validate:"gte=0"`
	Verbose            bool          `mapstructure:"verbose" yaml:"verbose"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ValidationError reports a configuration value the daemon cannot start with.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

var validate = validator.New()

// LoadConfig loads configuration from file and environment. Environment
// variables use the INTEGRITY_ prefix with dots replaced by underscores,
// e.g. INTEGRITY_NODE_RESOURCE_NAME.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("integrity")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/integrity")
	}

	setDefaults(v)

	v.SetEnvPrefix("INTEGRITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("node.resource_name", "")
	v.SetDefault("node.domain", "")
	v.SetDefault("node.node_type", "")
	v.SetDefault("node.site", "")
	v.SetDefault("node.advertise_addr", "")

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 7400)
	v.SetDefault("server.request_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.sync_writes", true)
	v.SetDefault("storage.gc_interval", "5m")

	// Monitor defaults
	v.SetDefault("monitor.cycle_interval", "1s")
	v.SetDefault("monitor.fp_monitor_interval", "10s")
	v.SetDefault("monitor.failed_counter_threshold", 3)
	v.SetDefault("monitor.test_trans_interval", "10s")
	v.SetDefault("monitor.write_fpc_interval", "5s")
	v.SetDefault("monitor.check_dependency_interval", "10s")
	v.SetDefault("monitor.max_fpc_update_interval", "120s")
	v.SetDefault("monitor.refresh_state_audit_interval", "600s")
	v.SetDefault("monitor.state_audit_interval", "60s")
	v.SetDefault("monitor.dependency_groups", "")
	v.SetDefault("monitor.remote_health_check", false)
	v.SetDefault("monitor.peer_timeout", "2s")

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.completion_interval", "30s")
	v.SetDefault("audit.sleep_interval", "5s")
	v.SetDefault("audit.touch_interval", "5s")
	v.SetDefault("audit.error_backoff", "60s")
	v.SetDefault("audit.time_check_records", 100)
	v.SetDefault("audit.time_check_sleep", "0s")
	v.SetDefault("audit.verbose", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9400)
	v.SetDefault("metrics.path", "/metrics")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)
	config.Logging.Level = strings.ToLower(config.Logging.Level)
	config.Logging.Format = strings.ToLower(config.Logging.Format)

	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Namespace(), Message: fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value())}
		}
		return err
	}

	if config.Monitor.FPMonitorInterval > 0 && config.Monitor.FailedCounterThreshold <= 0 {
		return &ValidationError{Field: "monitor.failed_counter_threshold", Message: "must be positive while the forward-progress check is enabled"}
	}
	if _, err := ParseDependencyGroups(config.Monitor.DependencyGroups); err != nil {
		return &ValidationError{Field: "monitor.dependency_groups", Message: err.Error()}
	}
	if config.Metrics.Enabled && (config.Metrics.Port < 1 || config.Metrics.Port > 65535) {
		return &ValidationError{Field: "metrics.port", Message: "must be between 1 and 65535"}
	}
	if config.Metrics.Enabled && config.Metrics.Port == config.Server.Port {
		return &ValidationError{Field: "metrics.port", Message: "must differ from server.port"}
	}
	return nil
}

// ParseDependencyGroups parses "a,b;c" into [[a b] [c]]. Blank groups
// between semicolons are ignored; a blank member is an error.
func ParseDependencyGroups(s string) ([][]string, error) {
	var groups [][]string
	for _, raw := range strings.Split(s, ";") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var group []string
		for _, member := range strings.Split(raw, ",") {
			member = strings.TrimSpace(member)
			if member == "" {
				return nil, fmt.Errorf("empty member in dependency group %q", strings.TrimSpace(raw))
			}
			group = append(group, member)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Groups returns the parsed dependency groups. The configuration has been
// validated, so parsing cannot fail.
func (c MonitorConfig) Groups() [][]string {
	groups, _ := ParseDependencyGroups(c.DependencyGroups)
	return groups
}

// ListenAddr is the address the gRPC server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Advertise is the address peers use to reach this resource.
func (c *Config) Advertise() string {
	if c.Node.AdvertiseAddr != "" {
		return c.Node.AdvertiseAddr
	}
	return c.ListenAddr()
}

// GetDefaultConfig returns the defaults. Node identity is left empty, so the
// result does not pass validation until it is filled in.
func GetDefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)
	return &config
}
