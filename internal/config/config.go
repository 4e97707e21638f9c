package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the session listener configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ListenAddr      string        `yaml:"listen_addr"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	MaxConnections  int           `yaml:"max_connections"`
	KeepaliveTime   time.Duration `yaml:"keepalive_time"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TSAEConfig holds replication settings
type TSAEConfig struct {
	// Participants maps every replica id of the group to its session address.
	// Addresses may be left empty when gossip discovers them.
	Participants      map[string]string `yaml:"participants"`
	SessionDelay      time.Duration     `yaml:"session_delay"`
	SessionPeriod     time.Duration     `yaml:"session_period"`
	NumSessions       int               `yaml:"num_sessions"`
	SessionTimeout    time.Duration     `yaml:"session_timeout"`
	PropagationDegree int               `yaml:"propagation_degree"`
	PropagationRate   float64           `yaml:"propagation_rate"`
	PropagationBurst  int               `yaml:"propagation_burst"`
}

// PartnerPoolConfig bounds concurrent inbound sessions
type PartnerPoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// StoreConfig selects the recipe store backend
type StoreConfig struct {
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AdminConfig holds the HTTP admin server configuration
type AdminConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a replica node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	TSAE        TSAEConfig        `yaml:"tsae"`
	PartnerPool PartnerPoolConfig `yaml:"partner_pool"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Store       StoreConfig       `yaml:"store"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file, then applies defaults and
// environment overrides
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("TSAE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if addr := os.Getenv("TSAE_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if addr := os.Getenv("TSAE_ADVERTISE_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}
	if peers := os.Getenv("TSAE_PARTICIPANTS"); peers != "" {
		if parsed, err := ParsePeers(peers); err == nil {
			cfg.TSAE.Participants = parsed
		}
	}
	if seeds := os.Getenv("GOSSIP_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Store.RedisAddr = redisAddr
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Store.Password = redisPassword
	}
	if port := os.Getenv("ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Admin.Port = p
		}
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0:7600"
	}
	if cfg.Server.AdvertiseAddr == "" {
		if addr, ok := cfg.TSAE.Participants[cfg.Server.NodeID]; ok && addr != "" {
			cfg.Server.AdvertiseAddr = addr
		} else {
			cfg.Server.AdvertiseAddr = cfg.Server.ListenAddr
		}
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 100
	}
	if cfg.Server.KeepaliveTime == 0 {
		cfg.Server.KeepaliveTime = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.TSAE.SessionDelay == 0 {
		cfg.TSAE.SessionDelay = 5 * time.Second
	}
	if cfg.TSAE.SessionPeriod == 0 {
		cfg.TSAE.SessionPeriod = 10 * time.Second
	}
	if cfg.TSAE.NumSessions == 0 {
		cfg.TSAE.NumSessions = 1
	}
	if cfg.TSAE.SessionTimeout == 0 {
		cfg.TSAE.SessionTimeout = 10 * time.Second
	}
	if cfg.TSAE.PropagationBurst == 0 {
		cfg.TSAE.PropagationBurst = 1
	}

	if cfg.PartnerPool.Workers == 0 {
		cfg.PartnerPool.Workers = 8
	}
	if cfg.PartnerPool.QueueSize == 0 {
		cfg.PartnerPool.QueueSize = 16
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisAddr == "" {
		cfg.Store.RedisAddr = "localhost:6379"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "tsae:" + cfg.Server.NodeID
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = 5 * time.Second
	}
	if cfg.Admin.WriteTimeout == 0 {
		cfg.Admin.WriteTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	// Gossip only discovers addresses; the replica set itself is fixed
	if len(c.TSAE.Participants) == 0 {
		return fmt.Errorf("tsae.participants is required")
	}
	if c.TSAE.NumSessions < 0 || c.TSAE.PropagationDegree < 0 {
		return fmt.Errorf("tsae.num_sessions and tsae.propagation_degree must not be negative")
	}
	if c.TSAE.SessionPeriod < 0 || c.TSAE.SessionTimeout < 0 {
		return fmt.Errorf("tsae.session_period and tsae.session_timeout must not be negative")
	}
	if c.PartnerPool.Workers < 1 {
		return fmt.Errorf("partner_pool.workers must be at least 1")
	}
	if c.Gossip.Enabled && (c.Gossip.BindPort < 1 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("gossip.bind_port must be between 1 and 65535")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be between 1 and 65535")
	}
	return nil
}

// ParticipantIDs returns the sorted replica ids of the group
func (c *Config) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.TSAE.Participants)+1)
	seen := false
	for id := range c.TSAE.Participants {
		ids = append(ids, id)
		if id == c.Server.NodeID {
			seen = true
		}
	}
	if !seen {
		ids = append(ids, c.Server.NodeID)
	}
	sort.Strings(ids)
	return ids
}

// ParsePeers parses "id=host:port,id=host:port" into a participant map
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=addr", part)
		}
		if _, dup := peers[id]; dup {
			return nil, fmt.Errorf("duplicate peer id %q", id)
		}
		peers[id] = strings.TrimSpace(addr)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("no peers in %q", s)
	}
	return peers, nil
}
