package stream

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/iidesho/bragi/sbragi"
	"github.com/pkg/errors"

	"github.com/iidesho/flyt/chunk"
	"github.com/iidesho/flyt/crypto"
	"github.com/iidesho/flyt/metrics"
	"github.com/iidesho/flyt/storage"
)

const (
	stateNew = int32(iota)
	stateStarting
	stateRunning
	stateClosed
)

var (
	ErrAlreadyStarted = errors.New("stream already started")
	ErrClosed         = errors.New("stream is closed")
	ErrConfigLocked   = errors.New("configuration is fixed once the stream starts")
	ErrTimeout        = errors.New("await termination timed out")
)

type KeyProvider func(name string) log.RedactedString

// EventStream is the consumption engine over a chunk repo: one delivery
// goroutine discovers chunks in creation order, decodes their records,
// filters and dispatches to listeners. Listener callbacks never run
// concurrently with each other on the same stream.
type EventStream struct {
	repo *chunk.Repo
	reg  *registry

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// Config below is locked once Start or StartAsync is called.
	ordered    bool
	reuse      bool
	startTime  time.Time
	endTime    time.Time
	filterExpr string
	filter     celFilter
	decrypt    KeyProvider
	name       string
	cursors    *storage.Cursors

	poolMu sync.Mutex
	pool   map[uint64]*os.File
}

var _ Stream = (*EventStream)(nil)

type Opt func(*EventStream)

// WithDecryption makes the stream decrypt payloads written by a recording
// using the same key provider.
func WithDecryption(key KeyProvider) Opt {
	return func(s *EventStream) {
		s.decrypt = key
	}
}

// WithName gives the stream a durable identity: it commits a cursor after
// every consumed chunk and resumes from it on the next start.
func WithName(name string, cursors *storage.Cursors) Opt {
	return func(s *EventStream) {
		s.name = name
		s.cursors = cursors
	}
}

func New(repo *chunk.Repo, opts ...Opt) *EventStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &EventStream{
		repo:    repo,
		reg:     newRegistry(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ordered: true,
		pool:    map[uint64]*os.File{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EventStream) OnEvent(name string, fn EventHandler) uuid.UUID {
	return s.reg.addEvent(name, false, fn)
}

func (s *EventStream) OnAny(fn EventHandler) uuid.UUID {
	return s.reg.addEvent("", true, fn)
}

func (s *EventStream) OnFlush(fn func()) uuid.UUID {
	return s.reg.addFlush(fn)
}

func (s *EventStream) OnClose(fn func()) uuid.UUID {
	return s.reg.addClose(fn)
}

func (s *EventStream) OnError(fn func(error)) uuid.UUID {
	return s.reg.addError(fn)
}

func (s *EventStream) Remove(id uuid.UUID) bool {
	return s.reg.remove(id)
}

func (s *EventStream) configurable() error {
	if s.state.Load() != stateNew {
		return ErrConfigLocked
	}
	return nil
}

// SetOrdered declares whether delivery must be globally time ordered. The
// single reader consumes chunks strictly in creation order and records within
// a chunk are stored in non-decreasing timestamp order, so ordered delivery
// is what this engine does either way; false only relaxes the guarantee.
func (s *EventStream) SetOrdered(ordered bool) error {
	err := s.configurable()
	if err != nil {
		return err
	}
	s.ordered = ordered
	return nil
}

// SetReuse keeps exhausted chunk handles pooled for re-reads instead of
// closing them. Resource usage, not correctness.
func (s *EventStream) SetReuse(reuse bool) error {
	err := s.configurable()
	if err != nil {
		return err
	}
	s.reuse = reuse
	return nil
}

func (s *EventStream) SetStartTime(t time.Time) error {
	err := s.configurable()
	if err != nil {
		return err
	}
	s.startTime = t
	return nil
}

func (s *EventStream) SetEndTime(t time.Time) error {
	err := s.configurable()
	if err != nil {
		return err
	}
	s.endTime = t
	return nil
}

// SetFilter installs a CEL predicate over name, ts_ms, duration_ms, size and
// the parsed json payload. Compiled at start, a bad expression fails Start.
func (s *EventStream) SetFilter(expr string) error {
	err := s.configurable()
	if err != nil {
		return err
	}
	s.filterExpr = expr
	return nil
}

func (s *EventStream) stateError() error {
	if s.state.Load() == stateClosed {
		return ErrClosed
	}
	return ErrAlreadyStarted
}

// startup covers everything that can fail before the stream reaches RUNNING.
func (s *EventStream) startup() error {
	f, err := newCELFilter(s.filterExpr)
	if err != nil {
		return errors.Wrap(err, "compiling stream filter")
	}
	s.filter = f
	return nil
}

func (s *EventStream) begin() (run bool, err error) {
	if !s.state.CompareAndSwap(stateNew, stateStarting) {
		return false, s.stateError()
	}
	err = s.startup()
	if err != nil {
		s.state.Store(stateClosed)
		s.cancel()
		close(s.done)
		return false, err
	}
	if !s.state.CompareAndSwap(stateStarting, stateRunning) {
		// Closed while starting. The stream never ran, close out here.
		s.reg.dispatchClose()
		close(s.done)
		return false, nil
	}
	return true, nil
}

// Start runs the stream on the calling goroutine, blocking until the stream
// is closed. A startup failure is returned immediately instead.
func (s *EventStream) Start() error {
	run, err := s.begin()
	if err != nil || !run {
		return err
	}
	s.run()
	return nil
}

// StartAsync is Start on an internally owned goroutine, returning once the
// stream is running.
func (s *EventStream) StartAsync() error {
	run, err := s.begin()
	if err != nil || !run {
		return err
	}
	go s.run()
	return nil
}

func (s *EventStream) run() {
	defer func() {
		s.reg.dispatchClose()
		s.releaseAll()
		close(s.done)
		log.Debug("stream terminated", "name", s.name)
	}()
	after := uint64(0)
	if s.cursors != nil {
		cur, ok := s.cursors.Get(s.name)
		if ok {
			after = cur.Ordinal
			log.Debug("resuming stream from cursor", "name", s.name, "ordinal", cur.Ordinal)
		}
	}
	for {
		c, ok := s.nextChunk(after)
		if !ok {
			return
		}
		cr := &chunkReader{s: s, c: c}
		exhausted := cr.run()
		if !exhausted {
			return
		}
		metrics.ChunksConsumed.Inc()
		s.reg.dispatchFlush()
		if s.cursors != nil {
			err := s.cursors.Commit(s.name, storage.Cursor{
				Ordinal: c.Ordinal,
				Offset:  cr.consumed(),
			})
			log.WithError(err).Error("committing stream cursor", "name", s.name)
		}
		after = c.Ordinal
	}
}

// deliver applies time bounds, listener match, decryption and the filter,
// then dispatches. Runs on the delivery goroutine only.
func (s *EventStream) deliver(rec chunk.Record) {
	if !s.startTime.IsZero() && rec.Timestamp.Before(s.startTime) {
		return
	}
	if !s.endTime.IsZero() && rec.Timestamp.After(s.endTime) {
		return
	}
	if !s.reg.hasEventListener(rec.Name) {
		return
	}
	if s.decrypt != nil {
		data, err := crypto.Decrypt(rec.Payload, s.decrypt(rec.Name))
		if err != nil {
			s.reg.dispatchError(errors.Wrapf(err, "decrypting payload for %s", rec.Name))
			return
		}
		rec.Payload = data
	}
	if !s.filter.Eval(rec) {
		return
	}
	s.reg.dispatchEvent(rec)
}

// Close transitions the stream to its terminal state and unblocks everything
// waiting on it. Idempotent. It does not wait for the delivery goroutine to
// drain, so it is safe to call from inside a listener; use AwaitTermination
// to wait.
func (s *EventStream) Close() error {
	s.once.Do(func() {
		prev := s.state.Swap(stateClosed)
		s.cancel()
		if prev == stateNew {
			// Never started, there is no delivery goroutine to close out.
			s.reg.dispatchClose()
			close(s.done)
		}
	})
	return nil
}

// AwaitTermination blocks until the stream reaches its terminal state, the
// timeout elapses (zero means none) or ctx is canceled. A stream that was
// never started terminates on Close, and awaiting it before any start
// returns immediately.
func (s *EventStream) AwaitTermination(ctx context.Context, timeout time.Duration) error {
	if s.state.Load() == stateNew {
		return nil
	}
	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}
	select {
	case <-s.done:
		return nil
	case <-timer:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventStream) openChunk(c chunk.Chunk) (*os.File, error) {
	s.poolMu.Lock()
	f, ok := s.pool[c.Ordinal]
	if ok {
		delete(s.pool, c.Ordinal)
	}
	s.poolMu.Unlock()
	if ok {
		return f, nil
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, errors.Wrap(err, "opening chunk events file")
	}
	return f, nil
}

func (s *EventStream) releaseChunk(c chunk.Chunk, f *os.File) {
	if s.reuse {
		s.poolMu.Lock()
		s.pool[c.Ordinal] = f
		s.poolMu.Unlock()
		return
	}
	err := f.Close()
	log.WithError(err).Debug("closing chunk handle", "ordinal", c.Ordinal)
}

func (s *EventStream) releaseAll() {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	for ord, f := range s.pool {
		err := f.Close()
		log.WithError(err).Debug("closing pooled chunk handle", "ordinal", ord)
		delete(s.pool, ord)
	}
}
