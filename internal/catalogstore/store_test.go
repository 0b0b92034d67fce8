package catalogstore

import (
	"testing"

	"github.com/torrentino/torrentino/internal/catalog"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cands := []catalog.Candidate{{
		Title: "Artist - Album", InfoHash: "deadbeef", SizeBytes: 1024,
		Sources: []catalog.Source{{Indexer: "indexer1", Seeders: 10}},
	}}
	if err := s.Store(cands); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, found, err := s.Get("deadbeef")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected candidate to be found")
	}
	if got.Title != "Artist - Album" || got.SizeBytes != 1024 {
		t.Errorf("unexpected candidate: %+v", got)
	}
	if !got.FromCache {
		t.Error("expected FromCache to be true for a stored row")
	}
}

func TestStoreMergesSourcesOnReinsert(t *testing.T) {
	s := newTestStore(t)
	if err := s.Store([]catalog.Candidate{{
		Title: "x", InfoHash: "abc", Sources: []catalog.Source{{Indexer: "i1", Seeders: 5}},
	}}); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := s.Store([]catalog.Candidate{{
		Title: "x", InfoHash: "abc", Sources: []catalog.Source{{Indexer: "i2", Seeders: 9}},
	}}); err != nil {
		t.Fatalf("second store: %v", err)
	}
	got, found, err := s.Get("abc")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if len(got.Sources) != 2 {
		t.Errorf("expected sources from both stores to be merged, got %d: %+v", len(got.Sources), got.Sources)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found=false for missing info hash")
	}
}

func TestSearchMatchesTitleSubstring(t *testing.T) {
	s := newTestStore(t)
	if err := s.Store([]catalog.Candidate{
		{Title: "Abbey Road", InfoHash: "h1", Sources: []catalog.Source{{Indexer: "i1"}}},
		{Title: "Let It Be", InfoHash: "h2", Sources: []catalog.Source{{Indexer: "i1"}}},
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	results, err := s.Search("Abbey", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Abbey Road" {
		t.Errorf("unexpected search results: %+v", results)
	}
}

func TestStatsCountsTotalTorrents(t *testing.T) {
	s := newTestStore(t)
	if err := s.Store([]catalog.Candidate{
		{Title: "a", InfoHash: "h1", SizeBytes: 100, Sources: []catalog.Source{{Indexer: "i1"}}},
		{Title: "b", InfoHash: "h2", SizeBytes: 200, Sources: []catalog.Source{{Indexer: "i1"}}},
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalTorrents != 2 {
		t.Errorf("expected 2 total torrents, got %d", stats.TotalTorrents)
	}
	if stats.TotalSizeBytes != 300 {
		t.Errorf("expected total size 300, got %d", stats.TotalSizeBytes)
	}
}
