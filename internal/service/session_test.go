package service

import (
	"context"
	"testing"
	"time"

	"github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"github.com/bastiqui/TSAE75644-2024/internal/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockDialer is a mock implementation of Dialer
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Open(ctx context.Context, peer model.Peer) (transport.Channel, error) {
	args := m.Called(ctx, peer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transport.Channel), args.Error(1)
}

// garbledChannel delivers one undecodable frame
type garbledChannel struct {
	frame []byte
}

func (c *garbledChannel) Send(msg *model.Message) error { return nil }

func (c *garbledChannel) Recv() (*model.Message, error) {
	return transport.DecodeMessage(c.frame)
}

func (c *garbledChannel) Close() error { return nil }

// runSession runs one complete session from originator to partner over an
// in-process pipe
func runSession(t *testing.T, originator, partner *ReplicaService) (*SessionResult, *SessionResult) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, remote := transport.Pipe(ctx)
	defer local.Close()
	defer remote.Close()

	p := NewPartner(partner, 0, nil, zap.NewNop())
	o := NewOriginator(originator, nil, 0, nil, zap.NewNop())

	var partnerResult *SessionResult
	var partnerErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		partnerResult, partnerErr = p.Serve(ctx, originator.ID(), remote)
	}()

	originatorResult, err := o.RunOnChannel(ctx, uuid.NewString(), partner.ID(), local)
	<-done

	require.NoError(t, err)
	require.NoError(t, partnerErr)
	return originatorResult, partnerResult
}

func recipeTitles(t *testing.T, r *ReplicaService) []string {
	t.Helper()
	list, err := r.ListRecipes(context.Background())
	require.NoError(t, err)
	titles := make([]string, 0, len(list))
	for _, recipe := range list {
		titles = append(titles, recipe.Title)
	}
	return titles
}

func TestSession_PushesToPartner(t *testing.T) {
	ctx := context.Background()
	a := newTestReplica(t, "A", "B")
	b := newTestReplica(t, "B", "A")

	_, err := a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)

	origResult, partResult := runSession(t, a, b)
	assert.Equal(t, StateDone, origResult.State)
	assert.Equal(t, StateDone, partResult.State)
	assert.Equal(t, origResult.SessionID, partResult.SessionID)
	assert.Equal(t, 1, origResult.Sent)
	assert.Equal(t, 1, partResult.Received)
	assert.Equal(t, 1, partResult.Applied)

	recipe, err := b.GetRecipe(ctx, "Soup")
	require.NoError(t, err)
	assert.Equal(t, model.NewTimestamp("A", 1), recipe.Timestamp)
	assert.True(t, a.Summary().Equal(b.Summary()))

	// A fixed point: nothing left to exchange
	origResult, partResult = runSession(t, a, b)
	assert.Equal(t, 0, origResult.Sent)
	assert.Equal(t, 0, partResult.Sent)
	assert.Equal(t, 0, partResult.Applied)
}

func TestSession_PullsFromPartner(t *testing.T) {
	ctx := context.Background()
	a := newTestReplica(t, "A", "B")
	b := newTestReplica(t, "B", "A")

	_, err := b.AddRecipe(ctx, "Stew", "beef")
	require.NoError(t, err)
	_, err = a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)

	origResult, partResult := runSession(t, a, b)
	assert.Equal(t, 1, origResult.Applied)
	assert.Equal(t, 1, partResult.Applied)

	assert.ElementsMatch(t, []string{"Soup", "Stew"}, recipeTitles(t, a))
	assert.ElementsMatch(t, []string{"Soup", "Stew"}, recipeTitles(t, b))
	assert.True(t, a.Summary().Equal(b.Summary()))
}

func TestSession_RemovePropagates(t *testing.T) {
	ctx := context.Background()
	a := newTestReplica(t, "A", "B")
	b := newTestReplica(t, "B", "A")

	_, err := a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)
	runSession(t, a, b)

	_, err = b.RemoveRecipe(ctx, "Soup")
	require.NoError(t, err)
	runSession(t, b, a)

	assert.Empty(t, recipeTitles(t, a))
	assert.Empty(t, recipeTitles(t, b))
}

func TestSession_PurgeAfterEveryReplicaAcknowledged(t *testing.T) {
	ctx := context.Background()
	a := newTestReplica(t, "A", "B", "C")
	b := newTestReplica(t, "B", "A", "C")
	c := newTestReplica(t, "C", "A", "B")

	_, err := a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)

	runSession(t, a, b)
	assert.Equal(t, 1, a.LogLen())
	assert.Equal(t, 1, b.LogLen(), "C has not seen the operation yet")

	runSession(t, b, c)
	assert.Equal(t, 0, c.LogLen(), "C learns that A and B already have it")
	assert.Equal(t, 1, b.LogLen())

	_, partResult := runSession(t, c, a)
	assert.Equal(t, 0, a.LogLen())
	assert.Equal(t, 1, partResult.Purged)

	for _, r := range []*ReplicaService{a, b, c} {
		assert.Equal(t, []string{"Soup"}, recipeTitles(t, r))
		assert.Equal(t, int64(1), r.Summary().Get("A").Seq)
	}

	// A purged operation is never re-applied
	applied, err := c.ApplyOperation(ctx, addOp("Soup", "water", "A", 1))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSession_ConvergesUnderAnyOrder(t *testing.T) {
	ctx := context.Background()
	a := newTestReplica(t, "A", "B", "C")
	b := newTestReplica(t, "B", "A", "C")
	c := newTestReplica(t, "C", "A", "B")

	_, err := a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)
	_, err = b.AddRecipe(ctx, "Stew", "beef")
	require.NoError(t, err)
	_, err = c.AddRecipe(ctx, "Salad", "lettuce")
	require.NoError(t, err)
	_, err = c.RemoveRecipe(ctx, "Salad")
	require.NoError(t, err)

	runSession(t, c, b)
	runSession(t, a, c)
	runSession(t, b, a)
	runSession(t, c, b)

	want := []string{"Soup", "Stew"}
	for _, r := range []*ReplicaService{a, b, c} {
		assert.ElementsMatch(t, want, recipeTitles(t, r), "replica %s", r.ID())
		assert.True(t, a.Summary().Equal(r.Summary()), "replica %s", r.ID())
	}
}

func TestPartner_UnexpectedFirstMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestReplica(t, "B", "A")
	local, remote := transport.Pipe(ctx)
	defer local.Close()

	require.NoError(t, local.Send(model.NewEndTSAE("s1")))

	result, err := NewPartner(b, 0, nil, zap.NewNop()).Serve(ctx, "A", remote)
	assert.Equal(t, errors.ErrCodeProtocol, errors.GetCode(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, "s1", result.SessionID)
}

func TestPartner_DecodeFailureAbortsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestReplica(t, "B", "A")

	result, err := NewPartner(b, 0, nil, zap.NewNop()).Serve(ctx, "A", &garbledChannel{frame: []byte{0xff}})
	assert.Equal(t, errors.ErrCodeDecode, errors.GetCode(err))
	assert.Equal(t, StateAborted, result.State)
}

func TestPartner_AbortDiscardsBufferedOperations(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestReplica(t, "A", "B")
	b := newTestReplica(t, "B", "A")
	before := b.Summary()

	local, remote := transport.Pipe(ctx)
	defer local.Close()

	summary, ack := a.sessionSnapshot()
	require.NoError(t, local.Send(model.NewAERequest("s1", summary.Snapshot(), ack.Snapshot())))
	require.NoError(t, local.Send(model.NewOperationMessage("s1", addOp("Soup", "water", "A", 1))))
	require.NoError(t, local.Send(model.NewEndTSAE("s2")))

	result, err := NewPartner(b, 0, nil, zap.NewNop()).Serve(ctx, "A", remote)
	assert.Equal(t, errors.ErrCodeProtocol, errors.GetCode(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Equal(t, 1, result.Received)
	assert.Equal(t, 0, result.Applied)

	assert.Empty(t, recipeTitles(t, b))
	assert.True(t, before.Equal(b.Summary()))
}

func TestOriginator_UnexpectedMessageOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestReplica(t, "A", "B")
	local, remote := transport.Pipe(ctx)
	defer remote.Close()

	// The peer pushes one operation then ends without its request
	require.NoError(t, remote.Send(model.NewOperationMessage("s1", addOp("Stew", "beef", "B", 1))))
	require.NoError(t, remote.Send(model.NewEndTSAE("s1")))

	result, err := NewOriginator(a, nil, 0, nil, zap.NewNop()).RunOnChannel(ctx, "s1", "B", local)
	assert.Equal(t, errors.ErrCodeProtocol, errors.GetCode(err))
	assert.Equal(t, StateAborted, result.State)

	// Operations inserted before the failure stay, nothing else merged
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, []string{"Stew"}, recipeTitles(t, a))
	assert.Equal(t, model.NullSeq, a.Ack().Row("B").Get("B").Seq)
}

func TestOriginator_Timeout(t *testing.T) {
	pipeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestReplica(t, "A", "B")
	local, remote := transport.Pipe(pipeCtx)
	defer remote.Close()

	o := NewOriginator(a, nil, 50*time.Millisecond, nil, zap.NewNop())
	start := time.Now()
	result, err := o.RunOnChannel(context.Background(), "s1", "B", local)

	assert.Equal(t, errors.ErrCodeTimeout, errors.GetCode(err))
	assert.Equal(t, StateAborted, result.State)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The session lock is released after the abort
	require.NoError(t, a.acquireSession(context.Background()))
	a.releaseSession()
}

func TestOriginator_Sync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestReplica(t, "A", "B")
	b := newTestReplica(t, "B", "A")
	_, err := a.AddRecipe(ctx, "Soup", "water")
	require.NoError(t, err)

	local, remote := transport.Pipe(ctx)
	peer := model.Peer{ID: "B", Addr: "b:7000"}

	dialer := new(MockDialer)
	dialer.On("Open", mock.Anything, peer).Return(local, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := NewPartner(b, 0, nil, zap.NewNop()).Serve(ctx, "A", remote)
		done <- err
	}()

	result, err := NewOriginator(a, dialer, time.Second, nil, zap.NewNop()).Sync(ctx, peer)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "B", result.Peer)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, []string{"Soup"}, recipeTitles(t, b))
	dialer.AssertExpectations(t)
}

func TestOriginator_SyncUnreachablePeer(t *testing.T) {
	a := newTestReplica(t, "A", "B")
	peer := model.Peer{ID: "B", Addr: "b:7000"}

	dialer := new(MockDialer)
	dialer.On("Open", mock.Anything, peer).Return(nil, errors.Transport("connection refused", nil))

	result, err := NewOriginator(a, dialer, time.Second, nil, zap.NewNop()).Sync(context.Background(), peer)
	assert.Nil(t, result)
	assert.Equal(t, errors.ErrCodeTransport, errors.GetCode(err))

	// The next round can run
	require.NoError(t, a.acquireSession(context.Background()))
	a.releaseSession()
}
