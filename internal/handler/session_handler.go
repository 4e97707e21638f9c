package handler

import (
	"context"
	stderrors "errors"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/service"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"github.com/bastiqui/TSAE75644-2024/internal/util/workerpool"
	"go.uber.org/zap"
	"google.golang.org/grpc/peer"
)

// SessionHandler implements transport.SessionHandler. Inbound sessions run as
// partner sessions inside a bounded worker pool; when the pool is full the
// session is refused and the originator retries in a later round.
type SessionHandler struct {
	partner *service.Partner
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(partner *service.Partner, pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		partner: partner,
		pool:    pool,
		metrics: m,
		logger:  logger,
	}
}

// HandleSession runs one partner session over ch and blocks until it ends
func (h *SessionHandler) HandleSession(ctx context.Context, ch transport.Channel) error {
	remote := remoteAddr(ctx)

	done, err := h.pool.TrySubmit(workerpool.Task{
		ID:      remote,
		Context: ctx,
		Fn: func(ctx context.Context) error {
			_, err := h.partner.Serve(ctx, remote, ch)
			return err
		},
	})
	if err != nil {
		if stderrors.Is(err, workerpool.ErrStopped) {
			return errors.Transport("replica is shutting down", err)
		}
		stats := h.pool.Stats()
		h.metrics.RecordPartnerRejected()
		h.logger.Warn("Rejecting inbound session",
			zap.String("peer", remote),
			zap.Int("active", stats.ActiveWorkers),
			zap.Int("queued", stats.QueuedTasks),
			zap.Int("capacity", stats.Capacity()))
		return errors.Rejected("partner pool", stats.ActiveWorkers+stats.QueuedTasks, stats.Capacity())
	}

	return <-done
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
