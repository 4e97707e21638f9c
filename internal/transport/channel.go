// Package transport carries anti-entropy sessions between replicas: the
// Channel abstraction sessions are written against, the protobuf wire
// encoding of session frames, and the gRPC stream that implements Channel
// across processes.
package transport

import (
	"context"
	"io"
	"sync"

	tsaeerrors "github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
)

// Channel is an ordered, reliable, message-framed duplex link between two
// replicas for the duration of one session
type Channel interface {
	// Send writes one message
	Send(msg *model.Message) error
	// Recv blocks until the next message arrives or the channel fails
	Recv() (*model.Message, error)
	// Close releases the channel. The peer's pending Recv fails.
	Close() error
}

// pipeEnd is one side of an in-process Channel pair
type pipeEnd struct {
	ctx       context.Context
	in        <-chan []byte
	out       chan<- []byte
	closed    chan struct{}
	peerGone  <-chan struct{}
	closeOnce sync.Once
}

// Pipe returns two connected in-process channels. Messages go through the wire
// encoding so both ends see exactly what a network peer would. Both ends fail
// once ctx is done.
func Pipe(ctx context.Context) (Channel, Channel) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeEnd{ctx: ctx, in: bToA, out: aToB, closed: aClosed, peerGone: bClosed}
	b := &pipeEnd{ctx: ctx, in: aToB, out: bToA, closed: bClosed, peerGone: aClosed}
	return a, b
}

func (p *pipeEnd) Send(msg *model.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-p.closed:
		return tsaeerrors.Transport("send on closed channel", io.ErrClosedPipe)
	case <-p.peerGone:
		return tsaeerrors.Transport("peer closed channel", io.ErrClosedPipe)
	case <-p.ctx.Done():
		return tsaeerrors.Transport("send aborted", p.ctx.Err())
	case p.out <- data:
		return nil
	}
}

func (p *pipeEnd) Recv() (*model.Message, error) {
	select {
	case data := <-p.in:
		return DecodeMessage(data)
	default:
	}

	select {
	case data := <-p.in:
		return DecodeMessage(data)
	case <-p.closed:
		return nil, tsaeerrors.Transport("receive on closed channel", io.ErrClosedPipe)
	case <-p.peerGone:
		// Frames sent before the peer closed are still delivered
		select {
		case data := <-p.in:
			return DecodeMessage(data)
		default:
			return nil, tsaeerrors.Transport("peer closed channel", io.EOF)
		}
	case <-p.ctx.Done():
		return nil, tsaeerrors.Transport("receive aborted", p.ctx.Err())
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
