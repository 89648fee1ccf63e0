package chunk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/iidesho/bragi/sbragi"
	"github.com/pkg/errors"
)

const (
	eventsSuffix = ".events"
	metaSuffix   = ".meta"
)

var (
	ErrNotFound = errors.New("chunk not found")
	ErrClosed   = errors.New("chunk repo wait canceled")
)

// Repo is a directory of chunks. One writer appends through Appenders, any
// number of readers list and follow chunks. Waiters are woken through
// close-and-replace notify channels so an in-process writer wakes them
// immediately, while out-of-process writers are caught by the wait timeout
// and re-scan.
type Repo struct {
	dir         string
	mu          sync.Mutex
	chunkCh     chan struct{}
	appendCh    chan struct{}
	lastOrdinal uint64
}

func Open(dir string) (*Repo, error) {
	err := os.MkdirAll(dir, 0750)
	if err != nil {
		return nil, errors.Wrap(err, "creating chunk dir")
	}
	r := &Repo{
		dir:      dir,
		chunkCh:  make(chan struct{}),
		appendCh: make(chan struct{}),
	}
	cs, err := r.Chunks()
	if err != nil {
		return nil, err
	}
	if len(cs) > 0 {
		r.lastOrdinal = cs[len(cs)-1].Ordinal
	}
	return r, nil
}

func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) notifyChunk() {
	r.mu.Lock()
	close(r.chunkCh)
	r.chunkCh = make(chan struct{})
	r.mu.Unlock()
}

func (r *Repo) notifyAppend() {
	r.mu.Lock()
	close(r.appendCh)
	r.appendCh = make(chan struct{})
	r.mu.Unlock()
}

// WaitChunk blocks until a chunk is created or finalized, or timeout elapses.
// Returns true if woken by a change.
func (r *Repo) WaitChunk(ctx context.Context, timeout time.Duration) bool {
	r.mu.Lock()
	ch := r.chunkCh
	r.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

// WaitAppend blocks until bytes are appended to any open chunk, or timeout
// elapses. Returns true if woken by an append.
func (r *Repo) WaitAppend(ctx context.Context, timeout time.Duration) bool {
	r.mu.Lock()
	ch := r.appendCh
	r.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

func (r *Repo) basePath(ordinal uint64) string {
	return filepath.Join(r.dir, fmt.Sprintf("%020d", ordinal))
}

func (r *Repo) writeMeta(c Chunk) error {
	buf := bytes.NewBuffer([]byte{})
	err := c.writeMeta(buf)
	if err != nil {
		return errors.Wrap(err, "encoding chunk meta")
	}
	// Write-then-rename keeps a half-written meta from ever being listed.
	tmp := r.basePath(c.Ordinal) + metaSuffix + ".tmp"
	err = os.WriteFile(tmp, buf.Bytes(), 0640)
	if err != nil {
		return errors.Wrap(err, "writing chunk meta")
	}
	return os.Rename(tmp, r.basePath(c.Ordinal)+metaSuffix)
}

// NewChunk creates the next chunk in the repo and returns its appender.
func (r *Repo) NewChunk(start time.Time) (*Appender, error) {
	r.mu.Lock()
	r.lastOrdinal++
	ordinal := r.lastOrdinal
	r.mu.Unlock()
	c := Chunk{
		Ordinal: ordinal,
		Path:    r.basePath(ordinal) + eventsSuffix,
		Start:   start,
	}
	err := r.writeMeta(c)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "creating chunk events file")
	}
	log.Debug("created chunk", "ordinal", ordinal, "path", c.Path)
	r.notifyChunk()
	return &Appender{repo: r, c: c, f: f}, nil
}

// Appender is the single writer of one open chunk.
type Appender struct {
	repo *Repo
	c    Chunk
	f    *os.File
	mu   sync.Mutex
}

func (a *Appender) Chunk() Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.c
}

func (a *Appender) Append(rec Record) error {
	frame, err := Encode(rec)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return errors.New("appending to finalized chunk")
	}
	written := 0
	for written < len(frame) {
		n, err := a.f.Write(frame[written:])
		if err != nil {
			return errors.Wrap(err, "appending record")
		}
		written += n
	}
	a.c.Size += int64(len(frame))
	a.repo.notifyAppend()
	return nil
}

// Finalize seals the chunk. The end time never changes afterwards.
func (a *Appender) Finalize(end time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	if err != nil {
		return errors.Wrap(err, "closing chunk events file")
	}
	a.f = nil
	a.c.End = end
	a.c.Finalized = true
	err = a.repo.writeMeta(a.c)
	if err != nil {
		return err
	}
	log.Debug("finalized chunk", "ordinal", a.c.Ordinal, "end", end)
	a.repo.notifyChunk()
	return nil
}

// Chunks lists all chunks in ordinal order. Chunks deleted while listing are
// skipped, retention may race any reader.
func (r *Repo) Chunks() ([]Chunk, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, errors.Wrap(err, "listing chunk dir")
	}
	cs := make([]Chunk, 0, len(entries)/2)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		_, err := strconv.ParseUint(strings.TrimSuffix(name, metaSuffix), 10, 64)
		if err != nil {
			continue
		}
		c, err := r.readChunk(filepath.Join(r.dir, name))
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Ordinal < cs[j].Ordinal })
	return cs, nil
}

func (r *Repo) readChunk(metaPath string) (c Chunk, err error) {
	b, err := os.ReadFile(metaPath)
	if err != nil {
		err = errors.Wrap(err, "reading chunk meta")
		return
	}
	err = c.readMeta(bytes.NewReader(b))
	if err != nil {
		err = errors.Wrap(err, "decoding chunk meta")
		return
	}
	c.Path = strings.TrimSuffix(metaPath, metaSuffix) + eventsSuffix
	fi, err := os.Stat(c.Path)
	if err != nil {
		err = errors.Wrap(err, "sizing chunk events file")
		return
	}
	c.Size = fi.Size()
	return
}

func (r *Repo) Get(ordinal uint64) (Chunk, error) {
	c, err := r.readChunk(r.basePath(ordinal) + metaSuffix)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return Chunk{}, ErrNotFound
		}
		return Chunk{}, err
	}
	return c, nil
}

// Refresh re-reads a chunk's meta and size, picking up appended bytes and the
// finalized flag.
func (r *Repo) Refresh(c Chunk) (Chunk, error) {
	return r.Get(c.Ordinal)
}

// Next blocks until a chunk with ordinal greater than after exists, returning
// the smallest such chunk. Returns ErrClosed once ctx is canceled.
func (r *Repo) Next(after uint64, ctx context.Context) (Chunk, error) {
	for {
		cs, err := r.Chunks()
		if err != nil {
			return Chunk{}, err
		}
		for _, c := range cs {
			if c.Ordinal > after {
				return c, nil
			}
		}
		select {
		case <-ctx.Done():
			return Chunk{}, ErrClosed
		default:
		}
		r.WaitChunk(ctx, time.Millisecond*250)
	}
}

// Remove deletes a chunk's files. Removing an already removed chunk is not an
// error.
func (r *Repo) Remove(ordinal uint64) error {
	err := os.Remove(r.basePath(ordinal) + eventsSuffix)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing chunk events file")
	}
	err = os.Remove(r.basePath(ordinal) + metaSuffix)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing chunk meta file")
	}
	log.Debug("removed chunk", "ordinal", ordinal)
	return nil
}
