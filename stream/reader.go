package stream

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/iidesho/flyt/chunk"
	"github.com/iidesho/flyt/metrics"
)

const (
	pollInterval = time.Millisecond * 250
	readBlock    = 64 << 10
	// compactAt bounds buffered-but-consumed bytes so a long lived open chunk
	// does not pin its whole history in memory.
	compactAt = 256 << 10
)

// chunkReader consumes a single chunk, polling an open chunk for appended
// bytes until it is finalized and drained. Exactly one chunkReader exists per
// chunk at any time.
type chunkReader struct {
	s   *EventStream
	c   chunk.Chunk
	f   *os.File
	buf []byte
	pos int
	off int64
}

// run decodes and delivers until the chunk is exhausted. Returns false when
// the stream is closing, true when the chunk is fully consumed (including
// tolerated gaps from retention deletes and undecodable tails).
func (cr *chunkReader) run() bool {
	defer cr.release()
	for {
		select {
		case <-cr.s.ctx.Done():
			return false
		default:
		}
		rec, n, err := chunk.Decode(cr.buf[cr.pos:])
		switch err {
		case nil:
			cr.pos += n
			cr.s.deliver(rec)
		case chunk.ErrShortRecord:
			if !cr.more() {
				return true
			}
		case chunk.ErrMalformed:
			metrics.DecodeErrors.Inc()
			cr.s.reg.dispatchError(errors.Errorf(
				"malformed record in chunk %d at offset %d",
				cr.c.Ordinal, cr.off-int64(len(cr.buf)-cr.pos),
			))
			i := chunk.Resync(cr.buf[cr.pos:])
			if i > 0 {
				cr.pos += i
			} else {
				cr.pos = len(cr.buf)
			}
		}
	}
}

// more makes progress towards further bytes: reads appended bytes if any,
// otherwise waits for an append unless the chunk is finalized and drained.
// Returns false when the chunk is exhausted.
func (cr *chunkReader) more() bool {
	got, err := cr.fill()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			// The chunk can vanish under retention mid-read. That is a
			// recoverable gap, not a stream failure.
			cr.s.reg.dispatchError(errors.Wrapf(err, "chunk %d removed, skipping its remainder", cr.c.Ordinal))
			return false
		}
		cr.s.reg.dispatchError(errors.Wrapf(err, "reading chunk %d", cr.c.Ordinal))
		select {
		case <-cr.s.ctx.Done():
		case <-time.After(pollInterval):
		}
		return true
	}
	if got {
		return true
	}
	c, err := cr.s.repo.Refresh(cr.c)
	if err == nil {
		cr.c = c
	} else if err == chunk.ErrNotFound {
		if cr.pos < len(cr.buf) {
			cr.s.reg.dispatchError(errors.Errorf(
				"chunk %d removed before it was fully consumed", cr.c.Ordinal,
			))
		}
		return false
	} else {
		cr.s.reg.dispatchError(err)
	}
	if cr.c.Finalized && cr.off >= cr.c.Size {
		if cr.pos < len(cr.buf) {
			metrics.DecodeErrors.Inc()
			cr.s.reg.dispatchError(errors.Errorf(
				"chunk %d ends with a truncated record, %d bytes dropped",
				cr.c.Ordinal, len(cr.buf)-cr.pos,
			))
		}
		return false
	}
	cr.s.repo.WaitAppend(cr.s.ctx, pollInterval)
	return true
}

// fill appends any bytes past the read offset to the buffer, compacting
// consumed bytes first when they pile up.
func (cr *chunkReader) fill() (got bool, err error) {
	if cr.f == nil {
		cr.f, err = cr.s.openChunk(cr.c)
		if err != nil {
			return
		}
	}
	if cr.pos > compactAt {
		cr.buf = append([]byte(nil), cr.buf[cr.pos:]...)
		cr.pos = 0
	}
	tmp := make([]byte, readBlock)
	for {
		n, rerr := cr.f.ReadAt(tmp, cr.off)
		if n > 0 {
			cr.buf = append(cr.buf, tmp[:n]...)
			cr.off += int64(n)
			got = true
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return got, nil
			}
			return got, rerr
		}
	}
}

func (cr *chunkReader) release() {
	if cr.f == nil {
		return
	}
	cr.s.releaseChunk(cr.c, cr.f)
	cr.f = nil
}

// consumed reports how far into the chunk the reader got, for cursor commit.
func (cr *chunkReader) consumed() int64 {
	return cr.off - int64(len(cr.buf)-cr.pos)
}
