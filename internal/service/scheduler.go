package service

import (
	"context"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Syncer runs one originator session against a peer
type Syncer interface {
	Sync(ctx context.Context, peer model.Peer) (*SessionResult, error)
}

// SchedulerConfig holds session scheduling settings
type SchedulerConfig struct {
	SessionDelay  time.Duration
	SessionPeriod time.Duration
	NumSessions   int

	// Extra sessions started right after a local write
	PropagationDegree int
	PropagationRate   float64
	PropagationBurst  int
}

// Scheduler periodically starts originator sessions against random partners.
// Rounds are sequential: every peer of a round is contacted one after another.
type Scheduler struct {
	config  *SchedulerConfig
	syncer  Syncer
	peers   PeerSelector
	limiter *rate.Limiter
	kick    chan struct{}
	logger  *zap.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(cfg *SchedulerConfig, syncer Syncer, peers PeerSelector, logger *zap.Logger) *Scheduler {
	limit := rate.Inf
	if cfg.PropagationRate > 0 {
		limit = rate.Limit(cfg.PropagationRate)
	}
	burst := cfg.PropagationBurst
	if burst <= 0 {
		burst = 1
	}

	return &Scheduler{
		config:  cfg,
		syncer:  syncer,
		peers:   peers,
		limiter: rate.NewLimiter(limit, burst),
		kick:    make(chan struct{}, 1),
		logger:  logger,
	}
}

// Propagate asks for an eager round after a local write. Requests coalesce
// while one is pending and are dropped when the rate limit is exceeded.
func (s *Scheduler) Propagate() {
	if s.config.PropagationDegree <= 0 {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives rounds until ctx is cancelled. A session in flight when ctx
// ends is aborted through its context.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Session scheduler started",
		zap.Duration("delay", s.config.SessionDelay),
		zap.Duration("period", s.config.SessionPeriod),
		zap.Int("num_sessions", s.config.NumSessions))

	delay := time.NewTimer(s.config.SessionDelay)
	defer delay.Stop()

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Session scheduler stopped")
			return nil

		case <-delay.C:
			if s.config.SessionPeriod > 0 {
				ticker = time.NewTicker(s.config.SessionPeriod)
				tick = ticker.C
			}
			s.RunRound(ctx, s.config.NumSessions)

		case <-tick:
			s.RunRound(ctx, s.config.NumSessions)

		case <-s.kick:
			if !s.limiter.Allow() {
				s.logger.Debug("Propagation round throttled")
				continue
			}
			s.RunRound(ctx, s.config.PropagationDegree)
		}
	}
}

// RunRound contacts up to n random partners one after another and returns
// how many sessions completed. Failures only skip the peer.
func (s *Scheduler) RunRound(ctx context.Context, n int) int {
	partners := s.peers.RandomPartners(n)
	completed := 0
	for _, peer := range partners {
		if ctx.Err() != nil {
			break
		}
		result, err := s.syncer.Sync(ctx, peer)
		if err != nil {
			if errors.IsRetryable(err) {
				s.logger.Debug("Session with peer failed",
					zap.String("peer", peer.ID),
					zap.Error(err))
			} else {
				s.logger.Warn("Session with peer failed",
					zap.String("peer", peer.ID),
					zap.Error(err))
			}
			continue
		}
		completed++
		if result != nil && (result.Sent > 0 || result.Applied > 0) {
			s.logger.Info("Session exchanged operations",
				zap.String("peer", peer.ID),
				zap.String("session_id", result.SessionID),
				zap.Int("sent", result.Sent),
				zap.Int("applied", result.Applied))
		}
	}
	return completed
}
