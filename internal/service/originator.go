package service

import (
	"context"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dialer opens a session channel to a peer
type Dialer interface {
	Open(ctx context.Context, peer model.Peer) (transport.Channel, error)
}

// Originator runs the initiating side of anti-entropy sessions for one replica.
// Sessions of one replica never overlap.
type Originator struct {
	replica *ReplicaService
	dialer  Dialer
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewOriginator creates an originator. A zero timeout disables the per-session deadline.
func NewOriginator(replica *ReplicaService, dialer Dialer, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Originator {
	return &Originator{
		replica: replica,
		dialer:  dialer,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// Sync runs one session against peer with a fresh session id
func (o *Originator) Sync(ctx context.Context, peer model.Peer) (*SessionResult, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if err := o.replica.acquireSession(ctx); err != nil {
		return nil, errors.Timeout("", err).WithDetail("peer", peer.ID)
	}
	defer o.replica.releaseSession()

	sessionID := uuid.NewString()
	ch, err := o.dialer.Open(ctx, peer)
	if err != nil {
		o.metrics.RecordSession(metrics.RoleOriginator, metrics.OutcomeAborted, 0)
		o.logger.Info("Peer unreachable, skipping",
			zap.String("node_id", o.replica.ID()),
			zap.String("peer", peer.ID),
			zap.Error(err))
		return nil, err
	}
	defer ch.Close()

	return o.run(ctx, sessionID, peer.ID, ch)
}

// RunOnChannel runs one session over an already open channel. The caller
// must not run two sessions of the same replica at once.
func (o *Originator) RunOnChannel(ctx context.Context, sessionID string, peer model.ReplicaID, ch transport.Channel) (*SessionResult, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if err := o.replica.acquireSession(ctx); err != nil {
		return nil, errors.Timeout(sessionID, err)
	}
	defer o.replica.releaseSession()

	return o.run(ctx, sessionID, peer, ch)
}

func (o *Originator) run(ctx context.Context, sessionID string, peer model.ReplicaID, ch transport.Channel) (*SessionResult, error) {
	// A blocked Recv only returns once the channel is closed
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	s := newSession(sessionID, metrics.RoleOriginator, peer, ch, o.replica, o.metrics, o.logger)
	return s.finish(ctx, o.exchange(ctx, s))
}

func (o *Originator) exchange(ctx context.Context, s *session) error {
	summary, ack := o.replica.sessionSnapshot()
	if err := s.send(model.NewAERequest(s.id, summary.Snapshot(), ack.Snapshot())); err != nil {
		return err
	}
	s.transition(StateRequestSent)

	// The partner pushes what we are missing before its own request
	s.transition(StateDrainingPeerOps)
	var request *model.Message
	for request == nil {
		msg, err := s.recv()
		if err != nil {
			return err
		}
		if msg.Type != model.MessageTypeOperation {
			request = msg
			break
		}
		applied, err := o.replica.ApplyOperation(ctx, msg.Operation)
		if applied {
			s.result.Applied++
		}
		if err != nil {
			return err
		}
	}

	s.transition(StateAwaitingPeerRequest)
	if err := s.expect(request, model.MessageTypeAERequest); err != nil {
		return err
	}
	peerSummary := clock.FromSnapshot(request.Summary)
	peerAck := clock.FromAckSnapshot(request.Ack)

	s.transition(StateSendingDelta)
	o.replica.mergeAck(peerAck)
	if err := s.sendDelta(o.replica.delta(peerSummary)); err != nil {
		return err
	}
	if err := s.send(model.NewEndTSAE(s.id)); err != nil {
		return err
	}

	s.transition(StateAwaitingEnd)
	msg, err := s.recv()
	if err != nil {
		return err
	}
	if err := s.expect(msg, model.MessageTypeEndTSAE); err != nil {
		return err
	}

	s.transition(StateMerging)
	s.result.Purged = o.replica.completeSession(peerSummary, peerAck)
	return nil
}
