package model

// Peer is a replica reachable for anti-entropy sessions
type Peer struct {
	ID   ReplicaID `json:"id"`
	Addr string    `json:"addr"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// NodeMeta is gossiped through memberlist so peers learn where to open sessions
type NodeMeta struct {
	NodeID      ReplicaID  `json:"node_id"`
	SessionAddr string     `json:"session_addr"`
	Status      NodeStatus `json:"status"`
	Timestamp   int64      `json:"timestamp"`
}

// ReplicaState is a point-in-time dump of a replica used to compare nodes
type ReplicaState struct {
	NodeID  ReplicaID       `json:"node_id"`
	Recipes []Recipe        `json:"recipes"`
	Log     []OperationView `json:"log"`
	Summary VectorSnapshot  `json:"summary"`
	Ack     AckSnapshot     `json:"ack"`
}
