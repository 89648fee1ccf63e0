package recorder

import (
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	log "github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/iidesho/flyt/chunk"
	"github.com/iidesho/flyt/crypto"
	"github.com/iidesho/flyt/metrics"
	"github.com/iidesho/flyt/sync"
)

var json = jsoniter.ConfigDefault

const (
	B  = int64(1)
	KB = B << 10
	MB = KB << 10
)

const (
	stateNew = int32(iota)
	stateRunning
	stateClosed
)

var (
	ErrAlreadyStarted = errors.New("recording already started")
	ErrNotRunning     = errors.New("recording is not running")
)

type KeyProvider func(name string) log.RedactedString

func StaticProvider(key log.RedactedString) KeyProvider {
	return func(_ string) log.RedactedString {
		return key
	}
}

type eventSetting struct {
	Threshold time.Duration
}

// Recording owns the writer side of a chunk repo: which events are enabled,
// at what thresholds, chunk rotation and retention. Readers only ever see it
// through the repo.
type Recording struct {
	repo     *chunk.Repo
	settings sync.Map[string, string]
	enabled  sync.Map[string, eventSetting]

	maxChunkBytes int64
	maxChunkAge   time.Duration
	cryptoKey     KeyProvider

	state atomic.Int32
	done  chan struct{}

	mu      gosync.Mutex
	policy  chunk.Policy
	active  *chunk.Appender
	opened  time.Time
	started time.Time
}

type Opt func(*Recording)

func WithMaxChunkBytes(n int64) Opt {
	return func(r *Recording) {
		r.maxChunkBytes = n
	}
}

func WithMaxChunkAge(d time.Duration) Opt {
	return func(r *Recording) {
		r.maxChunkAge = d
	}
}

func WithEncryption(key KeyProvider) Opt {
	return func(r *Recording) {
		r.cryptoKey = key
	}
}

func New(dir string, opts ...Opt) (*Recording, error) {
	repo, err := chunk.Open(dir)
	if err != nil {
		return nil, err
	}
	r := &Recording{
		repo:          repo,
		settings:      sync.NewMap[string, string](),
		enabled:       sync.NewMap[string, eventSetting](),
		maxChunkBytes: 8 * MB,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recording) Repo() *chunk.Repo {
	return r.repo
}

type EventOpt func(*eventSetting)

func WithThreshold(d time.Duration) EventOpt {
	return func(s *eventSetting) {
		s.Threshold = d
	}
}

// Enable turns recording on for an event name. The name "*" enables every
// event not explicitly configured.
func (r *Recording) Enable(name string, opts ...EventOpt) {
	s := eventSetting{}
	for _, opt := range opts {
		opt(&s)
	}
	r.enabled.Set(name, s)
}

func (r *Recording) Disable(name string) {
	r.enabled.Delete(name)
}

func (r *Recording) setting(name string) (eventSetting, bool) {
	s, ok := r.enabled.Get(name)
	if ok {
		return s, true
	}
	return r.enabled.Get("*")
}

// SetSettings applies a settings map. Keys of the form "<name>#enabled" and
// "<name>#threshold" configure events, anything else is kept opaque.
func (r *Recording) SetSettings(settings map[string]string) error {
	for k, v := range settings {
		switch {
		case strings.HasSuffix(k, "#enabled"):
			name := strings.TrimSuffix(k, "#enabled")
			if v == "true" {
				s, _ := r.enabled.Get(name)
				r.enabled.Set(name, s)
			} else {
				r.Disable(name)
			}
		case strings.HasSuffix(k, "#threshold"):
			name := strings.TrimSuffix(k, "#threshold")
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "parsing threshold for %s", name)
			}
			if d < 0 {
				return errors.Errorf("negative threshold for %s", name)
			}
			s, _ := r.enabled.Get(name)
			s.Threshold = d
			r.enabled.Set(name, s)
		default:
			r.settings.Set(k, v)
		}
	}
	return nil
}

func (r *Recording) Setting(k string) (string, bool) {
	return r.settings.Get(k)
}

// SetMaxAge bounds retention by age. Zero disables the bound.
func (r *Recording) SetMaxAge(d time.Duration) error {
	p := chunk.Policy{MaxAge: d}
	err := p.Validate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.policy.MaxAge = d
	r.mu.Unlock()
	return nil
}

// SetMaxSize bounds retention by total chunk bytes. Zero disables the bound.
func (r *Recording) SetMaxSize(n int64) error {
	p := chunk.Policy{MaxSize: n}
	err := p.Validate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.policy.MaxSize = n
	r.mu.Unlock()
	return nil
}

// Start opens the first chunk and returns the recording start timestamp.
func (r *Recording) Start() (time.Time, error) {
	if !r.state.CompareAndSwap(stateNew, stateRunning) {
		return time.Time{}, ErrAlreadyStarted
	}
	start := time.Now()
	a, err := r.repo.NewChunk(start)
	if err != nil {
		r.state.Store(stateClosed)
		return time.Time{}, err
	}
	r.mu.Lock()
	r.started = start
	r.active = a
	r.opened = start
	r.mu.Unlock()
	if r.maxChunkAge > 0 {
		go r.rotateLoop()
	}
	log.Info("recording started", "dir", r.repo.Dir(), "start", start)
	return start, nil
}

// rotateLoop rotates an aged-out chunk even when no write arrives to trigger
// it, so an idle recording still flushes what it holds. Empty chunks are left
// open, there is nothing to flush.
func (r *Recording) rotateLoop() {
	interval := r.maxChunkAge / 4
	if interval < time.Millisecond*10 {
		interval = time.Millisecond * 10
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-t.C:
		}
		r.mu.Lock()
		if r.active != nil && r.active.Chunk().Size > 0 && time.Since(r.opened) >= r.maxChunkAge {
			err := r.rotate()
			log.WithError(err).Error("rotating aged chunk", "dir", r.repo.Dir())
		}
		r.mu.Unlock()
	}
}

type writeOpt struct {
	ts  time.Time
	dur time.Duration
}

type WriteOpt func(*writeOpt)

func WithTimestamp(t time.Time) WriteOpt {
	return func(o *writeOpt) {
		o.ts = t
	}
}

func WithDuration(d time.Duration) WriteOpt {
	return func(o *writeOpt) {
		o.dur = d
	}
}

// Write records one event. Disabled events and events below their threshold
// are dropped at the source.
func (r *Recording) Write(name string, payload any, opts ...WriteOpt) error {
	if r.state.Load() != stateRunning {
		return ErrNotRunning
	}
	s, ok := r.setting(name)
	if !ok {
		log.Trace("dropping disabled event", "name", name)
		return nil
	}
	o := writeOpt{ts: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}
	if s.Threshold > 0 && o.dur < s.Threshold {
		log.Trace("dropping event below threshold", "name", name, "duration", o.dur)
		return nil
	}
	b, err := marshalPayload(payload)
	if err != nil {
		return errors.Wrapf(err, "marshaling payload for %s", name)
	}
	if r.cryptoKey != nil {
		b, err = crypto.Encrypt(b, r.cryptoKey(name))
		if err != nil {
			return errors.Wrapf(err, "encrypting payload for %s", name)
		}
	}
	rec := chunk.Record{
		Name:      name,
		Timestamp: o.ts,
		Duration:  o.dur,
		Payload:   b,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNotRunning
	}
	err = r.maybeRotate()
	if err != nil {
		return err
	}
	err = r.active.Append(rec)
	if err != nil {
		return err
	}
	metrics.RecordsWritten.Inc()
	return nil
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func (r *Recording) maybeRotate() error {
	c := r.active.Chunk()
	if c.Size < r.maxChunkBytes &&
		(r.maxChunkAge == 0 || time.Since(r.opened) < r.maxChunkAge) {
		return nil
	}
	return r.rotate()
}

// rotate finalizes the active chunk, applies retention and opens the next
// chunk. Callers hold r.mu.
func (r *Recording) rotate() error {
	now := time.Now()
	err := r.active.Finalize(now)
	if err != nil {
		return err
	}
	removed, err := r.repo.ApplyRetention(r.policy)
	if !log.WithError(err).Error("applying retention", "dir", r.repo.Dir()) && removed > 0 {
		log.Debug("retention pruned chunks", "removed", removed)
	}
	a, err := r.repo.NewChunk(now)
	if err != nil {
		r.active = nil
		return err
	}
	r.active = a
	r.opened = now
	return nil
}

// Rotate forces a chunk rotation, establishing a flush boundary for readers.
func (r *Recording) Rotate() error {
	if r.state.Load() != stateRunning {
		return ErrNotRunning
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNotRunning
	}
	return r.rotate()
}

// Close finalizes the active chunk. Idempotent.
func (r *Recording) Close() error {
	if r.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	close(r.done)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	err := r.active.Finalize(time.Now())
	r.active = nil
	log.Info("recording closed", "dir", r.repo.Dir())
	return err
}
