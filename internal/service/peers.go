package service

import (
	"math/rand"
	"sort"

	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// PeerSelector picks partners for originator sessions
type PeerSelector interface {
	// RandomPartners returns up to n distinct peers, never the local replica
	RandomPartners(n int) []model.Peer
}

// StaticPeers selects from a fixed participant list
type StaticPeers struct {
	self  model.ReplicaID
	peers []model.Peer
}

// NewStaticPeers builds a selector over addrs (replica id -> session address)
func NewStaticPeers(self model.ReplicaID, addrs map[model.ReplicaID]string) *StaticPeers {
	peers := make([]model.Peer, 0, len(addrs))
	for id, addr := range addrs {
		if id == self || addr == "" {
			continue
		}
		peers = append(peers, model.Peer{ID: id, Addr: addr})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return &StaticPeers{self: self, peers: peers}
}

// RandomPartners returns up to n peers in random order
func (s *StaticPeers) RandomPartners(n int) []model.Peer {
	return pickRandom(s.peers, n)
}

// Peers returns every known peer
func (s *StaticPeers) Peers() []model.Peer {
	out := make([]model.Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

func pickRandom(peers []model.Peer, n int) []model.Peer {
	if n <= 0 || len(peers) == 0 {
		return nil
	}
	shuffled := make([]model.Peer, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
