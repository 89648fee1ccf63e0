package flyt

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/iidesho/bragi/sbragi"

	"github.com/iidesho/flyt/recorder"
	"github.com/iidesho/flyt/storage"
	"github.com/iidesho/flyt/stream"
)

// RecordingStream records events and consumes its own recording live. It is a
// thin composition of a recorder and a stream over the same chunk directory,
// there is no algorithmic content here.
type RecordingStream struct {
	rec *recorder.Recording
	str *stream.EventStream

	startSet bool
}

type options struct {
	recorderOpts []recorder.Opt
	streamOpts   []stream.Opt
}

type Opt func(*options)

func WithMaxChunkBytes(n int64) Opt {
	return func(o *options) {
		o.recorderOpts = append(o.recorderOpts, recorder.WithMaxChunkBytes(n))
	}
}

func WithMaxChunkAge(d time.Duration) Opt {
	return func(o *options) {
		o.recorderOpts = append(o.recorderOpts, recorder.WithMaxChunkAge(d))
	}
}

// WithEncryption encrypts payloads at rest and decrypts them on delivery with
// the same key provider.
func WithEncryption(key func(name string) log.RedactedString) Opt {
	return func(o *options) {
		o.recorderOpts = append(o.recorderOpts, recorder.WithEncryption(recorder.KeyProvider(key)))
		o.streamOpts = append(o.streamOpts, stream.WithDecryption(stream.KeyProvider(key)))
	}
}

// WithName makes the stream side durable, committing cursors under the given
// name and resuming from them across restarts.
func WithName(name string, cursors *storage.Cursors) Opt {
	return func(o *options) {
		o.streamOpts = append(o.streamOpts, stream.WithName(name, cursors))
	}
}

func New(dir string, opts ...Opt) (*RecordingStream, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	rec, err := recorder.New(dir, o.recorderOpts...)
	if err != nil {
		return nil, err
	}
	return &RecordingStream{
		rec: rec,
		str: stream.New(rec.Repo(), o.streamOpts...),
	}, nil
}

// Recorder exposes the recording half for direct writes.
func (rs *RecordingStream) Recorder() *recorder.Recording {
	return rs.rec
}

// Stream exposes the consuming half.
func (rs *RecordingStream) Stream() *stream.EventStream {
	return rs.str
}

func (rs *RecordingStream) Enable(name string, opts ...recorder.EventOpt) {
	rs.rec.Enable(name, opts...)
}

func (rs *RecordingStream) Disable(name string) {
	rs.rec.Disable(name)
}

func (rs *RecordingStream) SetSettings(settings map[string]string) error {
	return rs.rec.SetSettings(settings)
}

func (rs *RecordingStream) SetMaxAge(d time.Duration) error {
	return rs.rec.SetMaxAge(d)
}

func (rs *RecordingStream) SetMaxSize(n int64) error {
	return rs.rec.SetMaxSize(n)
}

func (rs *RecordingStream) Write(name string, payload any, opts ...recorder.WriteOpt) error {
	return rs.rec.Write(name, payload, opts...)
}

// Rotate finalizes the active chunk so everything written so far becomes
// visible to the stream, and triggers its flush listeners once consumed.
func (rs *RecordingStream) Rotate() error {
	return rs.rec.Rotate()
}

func (rs *RecordingStream) OnEvent(name string, fn stream.EventHandler) uuid.UUID {
	return rs.str.OnEvent(name, fn)
}

func (rs *RecordingStream) OnAny(fn stream.EventHandler) uuid.UUID {
	return rs.str.OnAny(fn)
}

func (rs *RecordingStream) OnFlush(fn func()) uuid.UUID {
	return rs.str.OnFlush(fn)
}

func (rs *RecordingStream) OnClose(fn func()) uuid.UUID {
	return rs.str.OnClose(fn)
}

func (rs *RecordingStream) OnError(fn func(error)) uuid.UUID {
	return rs.str.OnError(fn)
}

func (rs *RecordingStream) Remove(id uuid.UUID) bool {
	return rs.str.Remove(id)
}

func (rs *RecordingStream) SetOrdered(ordered bool) error {
	return rs.str.SetOrdered(ordered)
}

func (rs *RecordingStream) SetReuse(reuse bool) error {
	return rs.str.SetReuse(reuse)
}

func (rs *RecordingStream) SetStartTime(t time.Time) error {
	err := rs.str.SetStartTime(t)
	if err != nil {
		return err
	}
	rs.startSet = true
	return nil
}

func (rs *RecordingStream) SetEndTime(t time.Time) error {
	return rs.str.SetEndTime(t)
}

func (rs *RecordingStream) SetFilter(expr string) error {
	return rs.str.SetFilter(expr)
}

// begin starts the recorder and bounds the stream to the recording start so a
// chunk directory with older recordings does not replay into this stream.
// An explicit SetStartTime wins over the recording start.
func (rs *RecordingStream) begin() error {
	start, err := rs.rec.Start()
	if err != nil {
		return err
	}
	if !rs.startSet {
		return rs.str.SetStartTime(start)
	}
	return nil
}

// Start begins recording, then consumes on the calling goroutine until the
// stream is closed.
func (rs *RecordingStream) Start() error {
	err := rs.begin()
	if err != nil {
		return err
	}
	return rs.str.Start()
}

// StartAsync begins recording and consumes on an internally owned goroutine.
func (rs *RecordingStream) StartAsync() error {
	err := rs.begin()
	if err != nil {
		return err
	}
	return rs.str.StartAsync()
}

// Close stops recording first so the active chunk is finalized, then closes
// the stream. Idempotent, safe to call from a listener.
func (rs *RecordingStream) Close() error {
	err := rs.rec.Close()
	if err != nil {
		log.WithError(err).Error("closing recorder")
	}
	return rs.str.Close()
}

func (rs *RecordingStream) AwaitTermination(ctx context.Context, timeout time.Duration) error {
	return rs.str.AwaitTermination(ctx, timeout)
}
