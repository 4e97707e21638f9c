package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bastiqui/TSAE75644-2024/internal/clock"
	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/metrics"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/storage/oplog"
	"github.com/bastiqui/TSAE75644-2024/internal/storage/recipes"
	"github.com/bastiqui/TSAE75644-2024/internal/storage/tombstones"
	"go.uber.org/zap"
)

// ReplicaConfig holds the identity of a replica and its replication group
type ReplicaConfig struct {
	NodeID       model.ReplicaID
	Participants []model.ReplicaID
}

// ReplicaService owns the replicated state of one node: the operation log,
// the summary vector, the ack matrix, the tombstones and the domain store.
// It is the only writer of all of them.
type ReplicaService struct {
	id           model.ReplicaID
	participants []model.ReplicaID
	seq          atomic.Int64

	log        *oplog.Log
	summary    *clock.VectorClock
	ack        *clock.AckMatrix
	tombstones *tombstones.Set
	store      recipes.Store

	// stateMu spans multi-structure updates: applying an operation, taking a
	// session snapshot, and the final merge and purge of a session
	stateMu sync.Mutex
	// sessionSem admits one originator session at a time
	sessionSem chan struct{}

	onLocalWrite func()
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewReplicaService creates a replica. The node id is added to the
// participant set if missing.
func NewReplicaService(cfg ReplicaConfig, store recipes.Store, m *metrics.Metrics, logger *zap.Logger) (*ReplicaService, error) {
	if cfg.NodeID == "" {
		return nil, errors.InvalidArgument("node id is required", nil)
	}

	participants := make([]model.ReplicaID, 0, len(cfg.Participants)+1)
	seen := make(map[model.ReplicaID]bool)
	for _, id := range append([]model.ReplicaID{cfg.NodeID}, cfg.Participants...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, id)
	}

	return &ReplicaService{
		id:           cfg.NodeID,
		participants: participants,
		log:          oplog.New(participants),
		summary:      clock.NewVectorClock(participants),
		ack:          clock.NewAckMatrix(participants),
		tombstones:   tombstones.New(),
		store:        store,
		sessionSem:   make(chan struct{}, 1),
		metrics:      m,
		logger:       logger,
	}, nil
}

// ID returns the replica id
func (r *ReplicaService) ID() model.ReplicaID {
	return r.id
}

// Participants returns the replication group, this replica included
func (r *ReplicaService) Participants() []model.ReplicaID {
	out := make([]model.ReplicaID, len(r.participants))
	copy(out, r.participants)
	return out
}

// OnLocalWrite registers fn to run after every successful local write
func (r *ReplicaService) OnLocalWrite(fn func()) {
	r.onLocalWrite = fn
}

// NextTimestamp returns a fresh timestamp for an operation originating here.
// Its seq exceeds that of every operation applied so far, whatever the origin.
func (r *ReplicaService) NextTimestamp() model.Timestamp {
	return model.NewTimestamp(r.id, r.seq.Add(1))
}

// observe moves the sequence counter past seq
func (r *ReplicaService) observe(seq int64) {
	for {
		current := r.seq.Load()
		if seq <= current || r.seq.CompareAndSwap(current, seq) {
			return
		}
	}
}

// ApplyOperation applies op to the local state. It returns false, without
// touching the store, when the log already holds op or something newer from
// the same origin, so replays are no-ops.
func (r *ReplicaService) ApplyOperation(ctx context.Context, op model.Operation) (bool, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.applyLocked(ctx, op)
}

func (r *ReplicaService) applyLocked(ctx context.Context, op model.Operation) (bool, error) {
	if op == nil {
		return false, errors.InvalidArgument("nil operation", nil)
	}
	if !r.log.Insert(op) {
		r.metrics.RecordApply(string(op.Kind()), false)
		r.logger.Debug("Operation already in log",
			zap.String("node_id", r.id),
			zap.Stringer("timestamp", op.Timestamp()))
		return false, nil
	}

	r.observe(op.Timestamp().Seq)

	var storeErr error
	switch o := op.(type) {
	case *model.AddOperation:
		storeErr = r.applyAdd(ctx, o)
	case *model.RemoveOperation:
		storeErr = r.applyRemove(ctx, o)
	}

	// The log has accepted op, so the summary advances even if the store failed
	r.summary.Advance(op.Timestamp())
	r.ack.SetRow(r.id, r.summary)
	r.metrics.RecordApply(string(op.Kind()), true)
	r.metrics.UpdateLogStats(r.log.Len(), r.tombstones.Len(), 0)

	if storeErr != nil {
		r.logger.Error("Failed to apply operation to store",
			zap.String("node_id", r.id),
			zap.Stringer("timestamp", op.Timestamp()),
			zap.Error(storeErr))
		return true, errors.InternalError("store update failed", storeErr).
			WithDetail("timestamp", op.Timestamp().String())
	}
	return true, nil
}

// applyAdd stores recipe unless it lost to a removed recipe or to the stored
// one. A title holds its Newer recipe; once that recipe is removed, older adds
// of the title stay dead.
func (r *ReplicaService) applyAdd(ctx context.Context, op *model.AddOperation) error {
	recipe := op.Recipe
	if r.tombstones.Contains(recipe.Timestamp) || r.tombstones.Shadows(recipe.Title, recipe.Timestamp) {
		r.logger.Debug("Skipping add of removed recipe",
			zap.String("title", recipe.Title),
			zap.Stringer("timestamp", recipe.Timestamp))
		return nil
	}

	existing, err := r.store.Get(ctx, recipe.Title)
	if err != nil && !stderrors.Is(err, recipes.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Timestamp.Newer(recipe.Timestamp) {
		return nil
	}
	return r.store.Add(ctx, recipe)
}

// applyRemove drops the removed recipe, or any older one stored in its place
func (r *ReplicaService) applyRemove(ctx context.Context, op *model.RemoveOperation) error {
	r.tombstones.Record(tombstones.Tombstone{
		Title:           op.Title,
		RecipeTimestamp: op.RecipeTimestamp,
		RemovedAt:       op.TS,
	})

	existing, err := r.store.Get(ctx, op.Title)
	if stderrors.Is(err, recipes.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Timestamp.Newer(op.RecipeTimestamp) {
		return nil
	}
	if err := r.store.Remove(ctx, op.Title); err != nil && !stderrors.Is(err, recipes.ErrNotFound) {
		return err
	}
	return nil
}

// AddRecipe creates a recipe authored by this replica
func (r *ReplicaService) AddRecipe(ctx context.Context, title, body string) (*model.Recipe, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.InvalidArgument("recipe title is required", nil)
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.InvalidArgument("recipe body is required", nil).WithDetail("title", title)
	}

	r.stateMu.Lock()
	recipe := model.Recipe{
		Title:     title,
		Body:      body,
		Author:    r.id,
		Timestamp: r.NextTimestamp(),
	}
	_, err := r.applyLocked(ctx, model.NewAddOperation(recipe))
	r.stateMu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Info("Recipe added",
		zap.String("node_id", r.id),
		zap.String("title", title),
		zap.Stringer("timestamp", recipe.Timestamp))
	r.localWrite()
	return &recipe, nil
}

// RemoveRecipe removes the recipe currently stored under title
func (r *ReplicaService) RemoveRecipe(ctx context.Context, title string) (*model.RemoveOperation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.InvalidArgument("recipe title is required", nil)
	}

	r.stateMu.Lock()
	existing, err := r.store.Get(ctx, title)
	if err != nil {
		r.stateMu.Unlock()
		if stderrors.Is(err, recipes.ErrNotFound) {
			return nil, errors.RecipeNotFound(title)
		}
		return nil, errors.InternalError("failed to read recipe", err)
	}
	op := model.NewRemoveOperation(title, existing.Timestamp, r.NextTimestamp())
	_, err = r.applyLocked(ctx, op)
	r.stateMu.Unlock()
	if err != nil {
		return nil, err
	}

	r.logger.Info("Recipe removed",
		zap.String("node_id", r.id),
		zap.String("title", title),
		zap.Stringer("timestamp", op.TS))
	r.localWrite()
	return op, nil
}

func (r *ReplicaService) localWrite() {
	if r.onLocalWrite != nil {
		r.onLocalWrite()
	}
}

// GetRecipe reads a recipe from the domain store
func (r *ReplicaService) GetRecipe(ctx context.Context, title string) (*model.Recipe, error) {
	recipe, err := r.store.Get(ctx, title)
	if stderrors.Is(err, recipes.ErrNotFound) {
		return nil, errors.RecipeNotFound(title)
	}
	return recipe, err
}

// ListRecipes returns every recipe in the domain store
func (r *ReplicaService) ListRecipes(ctx context.Context) ([]model.Recipe, error) {
	return r.store.List(ctx)
}

// sessionSnapshot publishes the current summary as this replica's ack row and
// returns independent copies of both
func (r *ReplicaService) sessionSnapshot() (*clock.VectorClock, *clock.AckMatrix) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	r.ack.SetRow(r.id, r.summary)
	return r.summary.Clone(), r.ack.Clone()
}

// delta returns the logged operations peerSummary has not seen
func (r *ReplicaService) delta(peerSummary *clock.VectorClock) []model.Operation {
	return r.log.Delta(peerSummary)
}

// mergeAck folds a peer's ack matrix into ours
func (r *ReplicaService) mergeAck(peerAck *clock.AckMatrix) {
	r.ack.MergeMax(peerAck)
}

// completeSession merges what a finished session learned and purges
// everything every replica has acknowledged
func (r *ReplicaService) completeSession(peerSummary *clock.VectorClock, peerAck *clock.AckMatrix) int {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	r.summary.MergeMax(peerSummary)
	r.ack.MergeMax(peerAck)
	r.ack.SetRow(r.id, r.summary)

	frontier := r.ack.MinVector()
	purged := r.log.PurgeTo(frontier)
	dropped := r.tombstones.PurgeStable(frontier, r.summary, r.ack)
	r.metrics.UpdateLogStats(r.log.Len(), r.tombstones.Len(), purged)

	if purged > 0 || dropped > 0 {
		r.logger.Debug("Purged acknowledged history",
			zap.String("node_id", r.id),
			zap.Stringer("frontier", frontier),
			zap.Int("operations", purged),
			zap.Int("tombstones", dropped))
	}
	return purged
}

// acquireSession blocks until no other originator session runs or ctx ends
func (r *ReplicaService) acquireSession(ctx context.Context) error {
	select {
	case r.sessionSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ReplicaService) releaseSession() {
	<-r.sessionSem
}

// Summary returns a copy of the summary vector
func (r *ReplicaService) Summary() *clock.VectorClock {
	return r.summary.Clone()
}

// Ack returns a copy of the ack matrix
func (r *ReplicaService) Ack() *clock.AckMatrix {
	return r.ack.Clone()
}

// LogLen returns the number of buffered operations
func (r *ReplicaService) LogLen() int {
	return r.log.Len()
}

// Tombstones returns the live tombstones
func (r *ReplicaService) Tombstones() []tombstones.Tombstone {
	return r.tombstones.List()
}

// State returns a consistent dump of the replica for comparison across nodes
func (r *ReplicaService) State(ctx context.Context) (*model.ReplicaState, error) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	list, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}

	ops := r.log.Operations()
	views := make([]model.OperationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, model.ViewOf(op))
	}

	return &model.ReplicaState{
		NodeID:  r.id,
		Recipes: list,
		Log:     views,
		Summary: r.summary.Snapshot(),
		Ack:     r.ack.Snapshot(),
	}, nil
}
