package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Handle is the producer side of the audit pipeline: every caller that
// wants to record an event gets a cheap, non-blocking Handle rather than
// a reference to the store itself, mirroring original_source's
// AuditHandle{tx: mpsc::Sender}.
type Handle struct {
	events chan<- Envelope
	log    zerolog.Logger
}

// Writer is the consumer side: it drains the channel and persists each
// envelope, logging (never propagating) store failures, mirroring
// original_source's AuditWriter::run().
type Writer struct {
	events <-chan Envelope
	store  Store
	log    zerolog.Logger
}

// New builds a connected Handle/Writer pair sharing a buffered channel,
// equivalent to original_source's create_audit_system(store, buffer_size).
func New(store Store, bufferSize int, log zerolog.Logger) (*Handle, *Writer) {
	ch := make(chan Envelope, bufferSize)
	component := log.With().Str("component", "audit").Logger()
	return &Handle{events: ch, log: component}, &Writer{events: ch, store: store, log: component}
}

// Emit blocks until the event is queued or ctx is done. Use for paths
// that must not silently drop an audit record.
func (h *Handle) Emit(ctx context.Context, e Event) {
	select {
	case h.events <- Envelope{Timestamp: time.Now(), Event: e}:
	case <-ctx.Done():
		h.log.Warn().Str("type", string(e.Type)).Msg("audit emit aborted: context done")
	}
}

// TryEmit queues the event without blocking, dropping it (and logging a
// warning) if the writer is backed up. Use on hot paths where audit
// logging must never add backpressure to the caller.
func (h *Handle) TryEmit(e Event) {
	select {
	case h.events <- Envelope{Timestamp: time.Now(), Event: e}:
	default:
		h.log.Warn().Str("type", string(e.Type)).Msg("audit channel full, dropping event")
	}
}

// Run drains the channel into the store until ctx is done or the channel
// is closed. Intended to run in its own goroutine for the process
// lifetime.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case env, ok := <-w.events:
			if !ok {
				return
			}
			if err := w.store.Insert(env); err != nil {
				w.log.Error().Err(err).Str("type", string(env.Event.Type)).Msg("failed to persist audit event")
			}
		case <-ctx.Done():
			return
		}
	}
}
