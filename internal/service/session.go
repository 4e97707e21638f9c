package service

import (
	"context"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"go.uber.org/zap"
)

// SessionState is the position of a session in the anti-entropy exchange
type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingRequest
	StateRequestSent
	StateDrainingPeerOps
	StateAwaitingPeerRequest
	StateSendingDelta
	StateAwaitingEnd
	StateMerging
	StateDone
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingRequest:
		return "AWAITING_REQUEST"
	case StateRequestSent:
		return "REQUEST_SENT"
	case StateDrainingPeerOps:
		return "DRAINING_PEER_OPS"
	case StateAwaitingPeerRequest:
		return "AWAITING_PEER_REQUEST"
	case StateSendingDelta:
		return "SENDING_DELTA"
	case StateAwaitingEnd:
		return "AWAITING_END"
	case StateMerging:
		return "MERGING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// SessionResult summarizes a finished session
type SessionResult struct {
	SessionID string
	Peer      model.ReplicaID
	State     SessionState
	Sent      int
	Received  int
	Applied   int
	Purged    int
	Duration  time.Duration
}

// session carries what both roles share while running over one channel
type session struct {
	id      string
	role    string
	peer    model.ReplicaID
	state   SessionState
	ch      transport.Channel
	replica *ReplicaService
	result  SessionResult
	start   time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newSession(id, role string, peer model.ReplicaID, ch transport.Channel, replica *ReplicaService, m *metrics.Metrics, logger *zap.Logger) *session {
	fields := []zap.Field{zap.String("role", role), zap.String("node_id", replica.ID())}
	if id != "" {
		fields = append(fields, zap.String("session_id", id))
	}
	return &session{
		id:      id,
		role:    role,
		peer:    peer,
		state:   StateIdle,
		ch:      ch,
		replica: replica,
		result:  SessionResult{SessionID: id, Peer: peer},
		start:   time.Now(),
		metrics: m,
		logger:  logger.With(fields...),
	}
}

func (s *session) transition(next SessionState) {
	s.logger.Debug("Session state change",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next))
	s.state = next
}

func (s *session) send(msg *model.Message) error {
	if err := s.ch.Send(msg); err != nil {
		return err
	}
	if msg.Type == model.MessageTypeOperation {
		s.result.Sent++
		s.metrics.RecordOperationSent()
	}
	return nil
}

// sendDelta streams ops as OPERATION frames
func (s *session) sendDelta(ops []model.Operation) error {
	for _, op := range ops {
		if err := s.send(model.NewOperationMessage(s.id, op)); err != nil {
			return err
		}
	}
	return nil
}

// recv reads the next frame and checks it belongs to this session. An empty
// session id is adopted from the first frame.
func (s *session) recv() (*model.Message, error) {
	msg, err := s.ch.Recv()
	if err != nil {
		return nil, err
	}
	if s.id == "" {
		s.id = msg.SessionID
		s.result.SessionID = msg.SessionID
		s.logger = s.logger.With(zap.String("session_id", msg.SessionID))
	}
	if msg.SessionID != s.id {
		return nil, errors.SessionMismatch(s.id, msg.SessionID)
	}
	if msg.Type == model.MessageTypeOperation {
		s.result.Received++
		s.metrics.RecordOperationReceived()
	}
	return msg, nil
}

func (s *session) expect(msg *model.Message, want model.MessageType) error {
	if msg.Type != want {
		return errors.UnexpectedMessage(s.state.String(), msg.Type, want)
	}
	return nil
}

// finish records the outcome. err is converted to a timeout when ctx expired
// first, since the channel error is then only a symptom.
func (s *session) finish(ctx context.Context, err error) (*SessionResult, error) {
	s.result.Duration = time.Since(s.start)

	if err == nil {
		s.transition(StateDone)
		s.result.State = StateDone
		s.metrics.RecordSession(s.role, metrics.OutcomeDone, s.result.Duration.Seconds())
		s.logger.Debug("Session completed",
			zap.String("peer", s.peer),
			zap.Int("sent", s.result.Sent),
			zap.Int("received", s.result.Received),
			zap.Int("applied", s.result.Applied),
			zap.Int("purged", s.result.Purged),
			zap.Duration("duration", s.result.Duration))
		return &s.result, nil
	}

	if ctx.Err() != nil && errors.GetCode(err) != errors.ErrCodeTimeout {
		err = errors.Timeout(s.id, err)
	}

	failedIn := s.state
	s.transition(StateAborted)
	s.result.State = StateAborted
	s.metrics.RecordSession(s.role, metrics.OutcomeAborted, s.result.Duration.Seconds())

	fields := []zap.Field{
		zap.String("peer", s.peer),
		zap.Stringer("state", failedIn),
		zap.Int("applied", s.result.Applied),
		zap.Error(err),
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeProtocol, errors.ErrCodeDecode:
		s.logger.Warn("Session aborted", fields...)
	default:
		s.logger.Info("Session aborted", fields...)
	}
	return &s.result, err
}
