package catalog

import "testing"

func TestDedupMergesByInfoHash(t *testing.T) {
	raw := []RawResult{
		{Title: "Artist - Album [FLAC]", InfoHash: "ABC123", Indexer: "indexer1", Seeders: 10, Leechers: 2},
		{Title: "Artist - Album [FLAC]", InfoHash: "abc123", Indexer: "indexer2", Seeders: 5, Leechers: 1},
	}

	got := Dedup(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated candidate, got %d", len(got))
	}
	c := got[0]
	if c.InfoHash != "abc123" {
		t.Errorf("expected lower-cased info hash, got %q", c.InfoHash)
	}
	if c.Seeders != 15 {
		t.Errorf("expected summed seeders 15, got %d", c.Seeders)
	}
	if len(c.Sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(c.Sources))
	}
}

func TestDedupEmptyHashIsSingleton(t *testing.T) {
	raw := []RawResult{
		{Title: "a", InfoHash: "", Indexer: "i1", Seeders: 1},
		{Title: "b", InfoHash: "", Indexer: "i2", Seeders: 2},
	}
	got := Dedup(raw)
	if len(got) != 2 {
		t.Fatalf("expected empty-hash rows to stay distinct, got %d", len(got))
	}
}

func TestDedupIsIdempotent(t *testing.T) {
	raw := []RawResult{
		{Title: "x", InfoHash: "deadbeef", Indexer: "i1", Seeders: 3},
		{Title: "x", InfoHash: "deadbeef", Indexer: "i2", Seeders: 7},
	}
	once := Dedup(raw)

	asRaw := make([]RawResult, len(once))
	for i, c := range once {
		asRaw[i] = RawResult{
			Title:    c.Title,
			InfoHash: c.InfoHash,
			Indexer:  "merged",
			Seeders:  c.Seeders,
			Leechers: c.Leechers,
		}
	}
	twice := Dedup(asRaw)

	if len(once) != len(twice) {
		t.Fatalf("dedup not idempotent in count: %d vs %d", len(once), len(twice))
	}
	if once[0].Seeders != twice[0].Seeders {
		t.Errorf("dedup not idempotent in seeders: %d vs %d", once[0].Seeders, twice[0].Seeders)
	}
}
