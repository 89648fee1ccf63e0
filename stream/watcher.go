package stream

import (
	"time"

	"github.com/iidesho/flyt/chunk"
)

const (
	watchBackoffMin = time.Millisecond * 250
	watchBackoffMax = time.Second * 4
)

// nextChunk blocks until the chunk after the given ordinal appears. Store
// errors are reported through the error listeners and discovery keeps
// retrying with backoff until the stream closes. Returns false once the
// stream is closing.
func (s *EventStream) nextChunk(after uint64) (chunk.Chunk, bool) {
	backoff := watchBackoffMin
	for {
		c, err := s.repo.Next(after, s.ctx)
		if err == nil {
			return c, true
		}
		if err == chunk.ErrClosed {
			return chunk.Chunk{}, false
		}
		s.reg.dispatchError(err)
		select {
		case <-s.ctx.Done():
			return chunk.Chunk{}, false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
}
