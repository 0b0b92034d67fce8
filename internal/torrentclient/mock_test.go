package torrentclient

import (
	"context"
	"testing"
)

func TestMockAddAndInfo(t *testing.T) {
	m := NewMock()
	hash, err := m.Add(context.Background(), AddRequest{MagnetURI: "magnet:?xt=urn:btih:abc"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	info, ok := m.Info(hash)
	if !ok {
		t.Fatal("expected Info to find the added torrent")
	}
	if info.State != StateDownloading {
		t.Errorf("expected newly added torrent to be downloading, got %s", info.State)
	}
}

func TestMockPauseResume(t *testing.T) {
	m := NewMock()
	hash, _ := m.Add(context.Background(), AddRequest{MagnetURI: "magnet:?xt=urn:btih:abc"})

	if err := m.Pause(hash); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	info, _ := m.Info(hash)
	if info.State != StatePaused {
		t.Errorf("expected paused state, got %s", info.State)
	}

	if err := m.Resume(hash); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	info, _ = m.Info(hash)
	if info.State != StateDownloading {
		t.Errorf("expected downloading state after resume, got %s", info.State)
	}
}

func TestMockRemoveUnknownReturnsError(t *testing.T) {
	m := NewMock()
	if err := m.Remove("nope"); err == nil {
		t.Fatal("expected error removing an unknown info hash")
	}
}
