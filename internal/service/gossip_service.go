package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService discovers replicas through memberlist. Each member advertises
// its session address in its node meta; live members become session partners.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     model.ReplicaID
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// members outside the participant set are never tracked
	participants map[model.ReplicaID]bool

	mu    sync.RWMutex
	meta  model.NodeMeta
	peers map[model.ReplicaID]model.Peer
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	Participants   []model.ReplicaID
}

// NewGossipService starts memberlist and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID model.ReplicaID, sessionAddr string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		meta: model.NodeMeta{
			NodeID:      nodeID,
			SessionAddr: sessionAddr,
			Status:      model.NodeStatusHealthy,
			Timestamp:   time.Now().Unix(),
		},
		peers:        make(map[model.ReplicaID]model.Peer),
		participants: make(map[model.ReplicaID]bool, len(cfg.Participants)),
	}
	for _, id := range cfg.Participants {
		gs.participants[id] = true
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
		logger.Info("Joined gossip cluster", zap.Int("contacted", joined))
	}

	return gs, nil
}

// RandomPartners picks up to n live members that advertised a session address.
// It also refreshes the member gauge: memberlist holds its node lock while
// delivering events, so the event callbacks cannot count members themselves.
func (s *GossipService) RandomPartners(n int) []model.Peer {
	s.metrics.UpdateGossipStats(s.Members())
	return pickRandom(s.Peers(), n)
}

// Peers returns the live members other than this node, sorted by id
func (s *GossipService) Peers() []model.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns the number of live cluster members, this node included.
// Zero until memberlist is running.
func (s *GossipService) Members() int {
	if s.memberlist == nil {
		return 0
	}
	return s.memberlist.NumMembers()
}

func (s *GossipService) track(node *memberlist.Node) {
	if node.Name == s.nodeID {
		return
	}
	if len(s.participants) > 0 && !s.participants[node.Name] {
		s.logger.Warn("Ignoring member outside the participant set", zap.String("node_id", node.Name))
		return
	}
	var meta model.NodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.SessionAddr == "" {
		s.logger.Debug("Ignoring member without session address", zap.String("node_id", node.Name))
		return
	}
	if meta.Status == model.NodeStatusUnhealthy {
		s.forget(node)
		return
	}

	s.mu.Lock()
	s.peers[node.Name] = model.Peer{ID: node.Name, Addr: meta.SessionAddr}
	s.mu.Unlock()
}

func (s *GossipService) forget(node *memberlist.Node) {
	s.mu.Lock()
	delete(s.peers, node.Name)
	s.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, _ := json.Marshal(s.meta)
	s.mu.RUnlock()
	if len(data) > limit {
		s.logger.Warn("Node meta exceeds gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// SetStatus changes the advertised status and pushes the new meta to the cluster
func (s *GossipService) SetStatus(status model.NodeStatus) error {
	s.mu.Lock()
	s.meta.Status = status
	s.meta.Timestamp = time.Now().Unix()
	s.mu.Unlock()
	return s.memberlist.UpdateNode(s.config.ProbeTimeout)
}

// Shutdown leaves the cluster and stops memberlist
func (s *GossipService) Shutdown(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.track(node)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.forget(node)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.service.track(node)
}
