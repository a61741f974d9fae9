// Package events defines the session lifecycle events published on the Bus.
package events

import "time"

// EventType names an event published through the Bus.
type EventType string

const (
	// Session lifecycle
	EventSessionConnected    EventType = "session_connected"
	EventSessionState        EventType = "session_state"
	EventSessionFeatures     EventType = "session_features"
	EventSessionFault        EventType = "session_fault"
	EventSessionDisconnected EventType = "session_disconnected"

	// Login flow
	EventAccountLogin EventType = "account_login"
	EventShardSelect  EventType = "shard_select"

	// Health
	EventShardHealth EventType = "shard_health"
	EventDiskAlert   EventType = "disk_alert"
	EventHeartbeat   EventType = "heartbeat"

	// System
	EventStatsSnapshot EventType = "stats_snapshot"
	EventShutdown      EventType = "shutdown"
)

// Event is a single published event.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// SessionPayload identifies a session and its peer.
type SessionPayload struct {
	SessionID uint64 `json:"session_id"`
	Remote    string `json:"remote"`
	Version   string `json:"version,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StatePayload records a state transition.
type StatePayload struct {
	SessionID uint64 `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// FeaturesPayload records a change to the negotiated features.
type FeaturesPayload struct {
	SessionID uint64   `json:"session_id"`
	Features  []string `json:"features"`
	Stages    []string `json:"stages"`
}

// FaultPayload describes a protocol fault charged to a session.
type FaultPayload struct {
	SessionID uint64 `json:"session_id"`
	Kind      string `json:"kind"`
	Opcode    int    `json:"opcode"`
	Count     int64  `json:"count"`
	Error     string `json:"error"`
}

// LoginPayload is the outcome of an account login.
type LoginPayload struct {
	SessionID uint64 `json:"session_id"`
	Account   string `json:"account"`
	Accepted  bool   `json:"accepted"`
	Reason    byte   `json:"reason,omitempty"`
}

// ShardPayload records the shard a session was redirected to.
type ShardPayload struct {
	SessionID uint64 `json:"session_id"`
	Account   string `json:"account"`
	Shard     string `json:"shard"`
	Address   string `json:"address"`
}

// ShardHealthPayload reports a change in a shard's reachability.
type ShardHealthPayload struct {
	Shard   string `json:"shard"`
	Address string `json:"address"`
	Up      bool   `json:"up"`
	Error   string `json:"error,omitempty"`
}

// DiskAlertPayload reports disk usage past an alert threshold.
type DiskAlertPayload struct {
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
	Level       string  `json:"level"`
}

// HeartbeatPayload is the periodic liveness summary.
type HeartbeatPayload struct {
	Sessions   int   `json:"sessions"`
	ShardsUp   int   `json:"shards_up"`
	ShardsDown int   `json:"shards_down"`
	Timestamp  int64 `json:"timestamp"`
}
