package service

import (
	"context"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"go.uber.org/zap"
)

// Partner answers sessions opened by other replicas. Partner sessions run
// concurrently with each other and with the local originator.
type Partner struct {
	replica *ReplicaService
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPartner creates a partner. A zero timeout disables the per-session deadline.
func NewPartner(replica *ReplicaService, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Partner {
	return &Partner{
		replica: replica,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Serve runs one inbound session over ch. peer only labels logs.
func (p *Partner) Serve(ctx context.Context, peer string, ch transport.Channel) (*SessionResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	s := newSession("", metrics.RolePartner, peer, ch, p.replica, p.metrics, p.logger)
	s.transition(StateAwaitingRequest)
	return s.finish(ctx, p.exchange(ctx, s))
}

func (p *Partner) exchange(ctx context.Context, s *session) error {
	request, err := s.recv()
	if err != nil {
		return err
	}
	if err := s.expect(request, model.MessageTypeAERequest); err != nil {
		return err
	}
	peerSummary := clock.FromSnapshot(request.Summary)
	peerAck := clock.FromAckSnapshot(request.Ack)

	s.transition(StateSendingDelta)
	summary, ack := p.replica.sessionSnapshot()
	if err := s.sendDelta(p.replica.delta(peerSummary)); err != nil {
		return err
	}
	if err := s.send(model.NewAERequest(s.id, summary.Snapshot(), ack.Snapshot())); err != nil {
		return err
	}

	// Operations are buffered and only applied once the exchange completed
	s.transition(StateDrainingPeerOps)
	var received []model.Operation
	for {
		msg, err := s.recv()
		if err != nil {
			return err
		}
		if msg.Type == model.MessageTypeOperation {
			received = append(received, msg.Operation)
			continue
		}
		s.transition(StateAwaitingEnd)
		if err := s.expect(msg, model.MessageTypeEndTSAE); err != nil {
			return err
		}
		break
	}

	if err := s.send(model.NewEndTSAE(s.id)); err != nil {
		return err
	}

	s.transition(StateMerging)
	for _, op := range received {
		applied, err := p.replica.ApplyOperation(ctx, op)
		if applied {
			s.result.Applied++
		}
		if err != nil {
			return err
		}
	}
	s.result.Purged = p.replica.completeSession(peerSummary, peerAck)
	return nil
}
