package stream

import (
	"context"
	"time"

	"github.com/gofrs/uuid"

	"github.com/iidesho/flyt/chunk"
)

type EventHandler func(chunk.Record)

// Stream consumes records from a chunk repo while it is being written.
// Configuration setters are only valid before the stream starts. Listener
// registration and removal are valid at any time, from any goroutine.
type Stream interface {
	OnEvent(name string, fn EventHandler) uuid.UUID
	OnAny(fn EventHandler) uuid.UUID
	OnFlush(fn func()) uuid.UUID
	OnClose(fn func()) uuid.UUID
	OnError(fn func(error)) uuid.UUID
	Remove(id uuid.UUID) bool

	SetOrdered(ordered bool) error
	SetReuse(reuse bool) error
	SetStartTime(t time.Time) error
	SetEndTime(t time.Time) error
	SetFilter(expr string) error

	Start() error
	StartAsync() error
	Close() error
	AwaitTermination(ctx context.Context, timeout time.Duration) error
}
