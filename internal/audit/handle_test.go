package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu      sync.Mutex
	records []Record
}

func (m *memStore) Insert(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{ID: int64(len(m.records)) + 1, Timestamp: env.Timestamp, Event: env.Event})
	return nil
}

func (m *memStore) Query(filter Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memStore) Count(filter Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestHandleTryEmitDeliversToWriter(t *testing.T) {
	store := &memStore{}
	handle, writer := New(store, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()

	handle.TryEmit(TicketCreated(uuid.New(), "alice"))

	deadline := time.After(time.Second)
	for store.len() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event to be persisted")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestHandleTryEmitDropsWhenChannelFull(t *testing.T) {
	store := &memStore{}
	// One-slot buffer, no writer draining it: TryEmit must not block once it is full.
	handle, _ := New(store, 1, zerolog.Nop())
	handle.TryEmit(TicketCreated(uuid.New(), "a"))

	done := make(chan struct{})
	go func() {
		handle.TryEmit(TicketCreated(uuid.New(), "b")) // channel now full, must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TryEmit blocked on a full channel")
	}
}
