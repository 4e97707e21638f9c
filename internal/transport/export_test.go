package transport

// rawSend writes an already encoded frame to a pipe end, bypassing encoding
func rawSend(ch Channel, frame []byte) error {
	p := ch.(*pipeEnd)
	select {
	case p.out <- frame:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}
