package searcher

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/catalog"
)

func TestCompositeSearchMergesAcrossIndexers(t *testing.T) {
	i1 := &MockIndexer{NameValue: "i1", IsEnabled: true, Results: []catalog.RawResult{
		{Title: "Album", InfoHash: "HASH1", Indexer: "i1", Seeders: 5},
	}}
	i2 := &MockIndexer{NameValue: "i2", IsEnabled: true, Results: []catalog.RawResult{
		{Title: "Album", InfoHash: "hash1", Indexer: "i2", Seeders: 3},
	}}
	c := NewComposite(zerolog.Nop(), i1, i2)

	result, err := c.Search(context.Background(), catalog.Query{Text: "Album"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Candidates) != 1 {
		t.Fatalf("expected merged candidate, got %d", len(result.Candidates))
	}
	if result.Candidates[0].Seeders != 8 {
		t.Errorf("expected summed seeders 8, got %d", result.Candidates[0].Seeders)
	}
}

func TestCompositeSearchSkipsDisabledIndexers(t *testing.T) {
	disabled := &MockIndexer{NameValue: "off", IsEnabled: false, Results: []catalog.RawResult{
		{Title: "Should not appear", InfoHash: "x", Indexer: "off"},
	}}
	enabled := &MockIndexer{NameValue: "on", IsEnabled: true, Results: []catalog.RawResult{
		{Title: "Visible", InfoHash: "y", Indexer: "on"},
	}}
	c := NewComposite(zerolog.Nop(), disabled, enabled)

	result, err := c.Search(context.Background(), catalog.Query{Text: "q"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Candidates) != 1 || result.Candidates[0].Title != "Visible" {
		t.Errorf("expected only the enabled indexer's result, got %+v", result.Candidates)
	}
}

func TestCompositeSearchReturnsErrorWhenAllIndexersFail(t *testing.T) {
	i1 := &MockIndexer{NameValue: "i1", IsEnabled: true, Err: errors.New("boom")}
	i2 := &MockIndexer{NameValue: "i2", IsEnabled: true, Err: errors.New("boom")}
	c := NewComposite(zerolog.Nop(), i1, i2)

	_, err := c.Search(context.Background(), catalog.Query{Text: "q"})
	if err == nil {
		t.Fatal("expected error when every indexer fails")
	}
	var searchErr *Error
	if !errors.As(err, &searchErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if searchErr.Kind != ErrAllIndexersFailed {
		t.Errorf("expected ErrAllIndexersFailed, got %s", searchErr.Kind)
	}
}

func TestCompositeSearchToleratesPartialFailure(t *testing.T) {
	i1 := &MockIndexer{NameValue: "i1", IsEnabled: true, Err: errors.New("timeout")}
	i2 := &MockIndexer{NameValue: "i2", IsEnabled: true, Results: []catalog.RawResult{
		{Title: "Found", InfoHash: "z", Indexer: "i2"},
	}}
	c := NewComposite(zerolog.Nop(), i1, i2)

	result, err := c.Search(context.Background(), catalog.Query{Text: "q"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Candidates) != 1 {
		t.Fatalf("expected the successful indexer's candidate to survive, got %d", len(result.Candidates))
	}
	if _, ok := result.IndexerErrors["i1"]; !ok {
		t.Error("expected i1's failure to be reported in IndexerErrors")
	}
}
