package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/energizer-project/shardgate/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNetwork(&cfg.Network, result)
	validateProtocol(&cfg.Protocol, result)
	validateShards(cfg.Shards, result)
	validateServices(cfg, result)
	validateTimers(&cfg.Timers, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	validatePort(n.Port, "network.port", result)
	if n.BindAddr != "" && net.ParseIP(n.BindAddr) == nil {
		result.AddError("network.bind_addr", fmt.Sprintf("not an IP address: %s", n.BindAddr))
	}
	if n.MaxConnections < 1 {
		result.AddError("network.max_connections", "must allow at least 1 connection")
	}
	if n.WriteBacklog < 1 {
		result.AddError("network.write_backlog", "write backlog must be at least 1")
	}
	if n.ReadTimeout < 10 {
		result.AddWarning("network.read_timeout_sec", "read timeout less than 10s will drop slow clients")
	}
}

func validateProtocol(p *ProtocolConfig, result *ValidationResult) {
	if _, err := protocol.ParseClientVersion(p.DefaultVersion); err != nil {
		result.AddError("protocol.default_version", err.Error())
	}
	if p.FaultThreshold < 1 {
		result.AddError("protocol.fault_threshold", "fault threshold must be at least 1")
	}
	if p.MaxFrame < protocol.MinVariableLength || p.MaxFrame > protocol.MaxFrameSize {
		result.AddError("protocol.max_frame",
			fmt.Sprintf("max frame must be %d-%d", protocol.MinVariableLength, protocol.MaxFrameSize))
	}
	if p.Workers < 0 {
		result.AddError("protocol.dispatch_workers", "worker count cannot be negative")
	}
}

func validateShards(shards []ShardConfig, result *ValidationResult) {
	if len(shards) == 0 {
		result.AddWarning("shards", "no shards configured, clients will see an empty server list")
	}
	seen := make(map[string]bool, len(shards))
	for i, s := range shards {
		field := fmt.Sprintf("shards[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			result.AddError(field+".name", "shard name is required")
		}
		if seen[s.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate shard name: %s", s.Name))
		}
		seen[s.Name] = true
		if addr, err := netip.ParseAddr(s.Address); err != nil || !addr.Is4() {
			result.AddError(field+".address", "shard address must be an IPv4 address")
		}
		validatePort(s.Port, field+".port", result)
		if s.Timezone < -12 || s.Timezone > 14 {
			result.AddWarning(field+".timezone", "timezone offset outside -12..14")
		}
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if strings.TrimSpace(cfg.Database.Path) == "" {
		result.AddError("database.path", "database path is required")
	}

	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Network.Port {
			result.AddError("api.port", "port conflict detected: api and network ports must differ")
		}
		if cfg.API.Token == "" && cfg.API.BindAddr != "127.0.0.1" {
			result.AddWarning("api.token", "API is reachable off-host without a token")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if cfg.API.TLS && (cfg.API.CertFile == "" || cfg.API.KeyFile == "") {
			result.AddError("api.cert_file", "TLS needs both cert_file and key_file")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.SweepInterval < 1 {
		result.AddError("timers.sweep_interval_sec", "sweep interval must be at least 1s")
	}
	if timers.IdleTimeout < timers.SweepInterval {
		result.AddWarning("timers.idle_timeout_sec", "idle timeout shorter than the sweep interval")
	}
	if timers.AuthKeyTTL < 1 {
		result.AddError("timers.auth_key_ttl_sec", "auth key TTL must be at least 1s")
	}
	if timers.StatsInterval > 0 && timers.StatsInterval < 5 {
		result.AddWarning("timers.stats_interval_sec",
			"stats interval less than 5s may cause excessive traffic")
	}
	if timers.ShardCheckInterval < 0 || timers.DiskCheckInterval < 0 {
		result.AddError("timers", "check intervals cannot be negative")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
