// Package config handles configuration loading, validation, and persistence
// for the shardgate login gateway.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shardgate/internal/protocol"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultListenPort = 2593
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for shardgate.
type Config struct {
	mu   sync.RWMutex
	path string

	Network  NetworkConfig  `json:"network"`
	Protocol ProtocolConfig `json:"protocol"`
	Shards   []ShardConfig  `json:"shards"`
	Database DatabaseConfig `json:"database"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Timers   TimerConfig    `json:"timers"`
	Logging  LoggingConfig  `json:"logging"`
}

// NetworkConfig holds the client listener settings.
type NetworkConfig struct {
	BindAddr       string `json:"bind_addr"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"max_connections"`

	// ConnectRate caps new connections per remote IP per second; 0 disables.
	ConnectRate  int `json:"connect_rate_per_ip"`
	ReadTimeout  int `json:"read_timeout_sec"`
	WriteTimeout int `json:"write_timeout_sec"`
	WriteBacklog int `json:"write_backlog"`
}

// ProtocolConfig holds protocol engine settings.
type ProtocolConfig struct {
	// DefaultVersion is assumed for clients that send the legacy raw seed.
	DefaultVersion                 string `json:"default_version"`
	AllowCompressionWithEncryption bool   `json:"allow_compression_with_encryption"`
	FaultThreshold                 int    `json:"fault_threshold"`
	MaxFrame                       int    `json:"max_frame"`
	Workers                        int    `json:"dispatch_workers"`
}

// ShardConfig describes one game shard advertised in the server list.
type ShardConfig struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Timezone int    `json:"timezone"`
}

// DatabaseConfig holds the sqlite store settings.
type DatabaseConfig struct {
	Path string `json:"path"`

	// AutoCreateAccounts creates unknown accounts on first login.
	AutoCreateAccounts bool `json:"auto_create_accounts"`
}

// APIConfig holds the diagnostics REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	BindAddr       string   `json:"bind_addr"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// A self-signed pair is generated when TLS is on and the files are missing.
	TLS      bool   `json:"tls"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	SweepInterval     int `json:"sweep_interval_sec"`
	IdleTimeout       int `json:"idle_timeout_sec"`
	StatsInterval     int `json:"stats_interval_sec"`
	AuthKeyTTL        int `json:"auth_key_ttl_sec"`
	HeartbeatInterval int `json:"heartbeat_interval_sec"`

	// Shard probes and disk checks; 0 disables.
	ShardCheckInterval int `json:"shard_check_interval_sec"`
	DiskCheckInterval  int `json:"disk_check_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level         string `json:"level"`
	Directory     string `json:"directory"`
	RetentionDays int    `json:"retention_days"`
	PacketTrace   bool   `json:"packet_trace"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddr:       "0.0.0.0",
			Port:           DefaultListenPort,
			MaxConnections: 1024,
			ConnectRate:    10,
			ReadTimeout:    120,
			WriteTimeout:   10,
			WriteBacklog:   256,
		},
		Protocol: ProtocolConfig{
			DefaultVersion:                 "7.0.0.0",
			AllowCompressionWithEncryption: true,
			FaultThreshold:                 8,
			MaxFrame:                       protocol.MaxFrameSize,
		},
		Shards: []ShardConfig{
			{Name: "Local", Address: "127.0.0.1", Port: DefaultListenPort + 1},
		},
		Database: DatabaseConfig{
			Path: "data/shardgate.db",
		},
		API: APIConfig{
			Enabled:      true,
			BindAddr:     "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
			CertFile:     "config/api.crt",
			KeyFile:      "config/api.key",
		},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "shardgate",
			TopicPrefix: "shardgate",
		},
		Timers: TimerConfig{
			SweepInterval:      30,
			IdleTimeout:        300,
			StatsInterval:      60,
			AuthKeyTTL:         30,
			HeartbeatInterval:  60,
			ShardCheckInterval: 30,
			DiskCheckInterval:  300,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Directory:     "logs",
			RetentionDays: 7,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option the binary knows.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the listener configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetProtocol returns a copy of the protocol configuration.
func (c *Config) GetProtocol() ProtocolConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Protocol
}

// SetProtocol replaces the protocol configuration. Running sessions keep the
// settings they were created with.
func (c *Config) SetProtocol(p ProtocolConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Protocol = p
}

// GetShards returns a copy of the advertised shards.
func (c *Config) GetShards() []ShardConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ShardConfig(nil), c.Shards...)
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetAPI returns a copy of the REST API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the telemetry configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ListenAddr returns the client listener address.
func (n NetworkConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", n.BindAddr, n.Port)
}

// ReadTimeoutDuration is how long a connection may stay silent.
func (n NetworkConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(n.ReadTimeout) * time.Second
}

// WriteTimeoutDuration bounds a single socket write.
func (n NetworkConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(n.WriteTimeout) * time.Second
}

// ClientVersion parses DefaultVersion, falling back to 0.0.0.0.
func (p ProtocolConfig) ClientVersion() protocol.ClientVersion {
	v, err := protocol.ParseClientVersion(p.DefaultVersion)
	if err != nil {
		return protocol.ClientVersion{}
	}
	return v
}

// Seconds converts a timer setting to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
