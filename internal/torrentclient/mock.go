package torrentclient

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Client for orchestrator tests that never touch the
// real anacrolix/torrent library.
type Mock struct {
	mu    sync.Mutex
	infos map[string]Info
	AddFn func(req AddRequest) (string, error)
}

func NewMock() *Mock {
	return &Mock{infos: make(map[string]Info)}
}

// Seed registers a fixed Info for a given info hash, for tests that want
// List/Info to return deterministic data without calling Add.
func (m *Mock) Seed(infoHash string, info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.InfoHash = infoHash
	m.infos[infoHash] = info
}

func (m *Mock) Add(ctx context.Context, req AddRequest) (string, error) {
	if m.AddFn != nil {
		return m.AddFn(req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	infoHash := fmt.Sprintf("mock-%d", len(m.infos)+1)
	m.infos[infoHash] = Info{InfoHash: infoHash, State: StateDownloading}
	return infoHash, nil
}

func (m *Mock) Info(infoHash string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[infoHash]
	return info, ok
}

func (m *Mock) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, info)
	}
	return out
}

func (m *Mock) Remove(infoHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.infos[infoHash]; !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	delete(m.infos, infoHash)
	return nil
}

func (m *Mock) Pause(infoHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[infoHash]
	if !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	info.State = StatePaused
	m.infos[infoHash] = info
	return nil
}

func (m *Mock) Resume(infoHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[infoHash]
	if !ok {
		return fmt.Errorf("torrentclient: not found: %s", infoHash)
	}
	info.State = StateDownloading
	m.infos[infoHash] = info
	return nil
}

var _ Client = (*Mock)(nil)
