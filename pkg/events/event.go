// pkg/events/event.go
package events

import (
	"context"
	"time"
)

// EventKind is the kind of filesystem mutation an event describes.
type EventKind int

const (
	KindCreate EventKind = iota
	KindModify
	KindDelete
	KindRename
)

// String returns the lowercase name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindDelete:
		return "delete"
	case KindRename:
		return "rename"
	default:
		return "unknown"
	}
}

// RawEvent is a single observed filesystem mutation under a monitored root.
// Size and Entropy are optional: delete and rename events carry neither, and
// entropy sampling can fail without invalidating the event. RawEvents are
// immutable values; the aggregator consumes and discards them.
type RawEvent struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
	Size      *int64
	Entropy   *float64 // Shannon entropy of a file sample, in [0,8]
}

// Source is an abstract producer of RawEvents. Implementations deliver
// at-least-once: duplicates only inflate activity rates, never suppress
// signal. The Events channel is closed when the source stops, whether by
// Stop, context cancellation, or an unexpected disconnect.
type Source interface {
	// Events returns the channel events are delivered on.
	Events() <-chan RawEvent
	// Start begins event delivery. It returns once delivery is running.
	Start(ctx context.Context) error
	// Stop halts delivery and closes the events channel.
	Stop()
}

// Float64 returns a pointer to v. Helper for building optional event fields.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
