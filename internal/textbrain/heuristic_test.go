package textbrain

import (
	"testing"

	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/ticket"
)

func TestBuildQueriesDispatchesByContentKind(t *testing.T) {
	h := NewHeuristic()

	albumResult, err := h.BuildQueries(ticket.ExpectedContent{Kind: ticket.ContentAlbum, Artist: "Daft Punk", Title: "Discovery", Year: 2001})
	if err != nil {
		t.Fatalf("BuildQueries (album): %v", err)
	}
	if len(albumResult.Queries) != 2 {
		t.Errorf("expected a base + year-qualified query for an album, got %d", len(albumResult.Queries))
	}

	movieResult, err := h.BuildQueries(ticket.ExpectedContent{Kind: ticket.ContentMovie, Title: "Arrival", Year: 2016})
	if err != nil {
		t.Fatalf("BuildQueries (movie): %v", err)
	}
	if movieResult.Queries[0].Text != "Arrival 2016" {
		t.Errorf("expected movie query to include year, got %q", movieResult.Queries[0].Text)
	}
}

func TestMatchRanksBetterTitleOverlapHigher(t *testing.T) {
	h := NewHeuristic()
	content := ticket.ExpectedContent{Kind: ticket.ContentMovie, Title: "Arrival", Year: 2016}
	candidates := []catalog.Candidate{
		{Title: "Unrelated.Movie.2010", Seeders: 50},
		{Title: "Arrival.2016.1080p", Seeders: 10},
	}

	result, err := h.Match(content, candidates)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if result.Candidates[0].Candidate.Title != "Arrival.2016.1080p" {
		t.Errorf("expected the matching title to rank first, got %q", result.Candidates[0].Candidate.Title)
	}
}

func TestMatchMapsAlbumFilesToItemsInOrder(t *testing.T) {
	h := NewHeuristic()
	content := ticket.ExpectedContent{
		Kind: ticket.ContentAlbum, Artist: "Artist", Title: "Album",
		Items: []ticket.ExpectedItem{
			{ID: "track-1", Title: "One"},
			{ID: "track-2", Title: "Two"},
		},
	}
	candidates := []catalog.Candidate{{
		Title: "Artist - Album",
		Files: []catalog.File{
			{Path: "01 One.flac"},
			{Path: "02 Two.flac"},
		},
	}}

	result, err := h.Match(content, candidates)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	mappings := result.Candidates[0].FileMappings
	if len(mappings) != 2 {
		t.Fatalf("expected 2 file mappings, got %d", len(mappings))
	}
	if mappings[0].TicketItemID != "track-1" || mappings[0].TorrentFilePath != "01 One.flac" {
		t.Errorf("unexpected mapping for track-1: %+v", mappings[0])
	}
	if mappings[1].TicketItemID != "track-2" || mappings[1].TorrentFilePath != "02 Two.flac" {
		t.Errorf("unexpected mapping for track-2: %+v", mappings[1])
	}
}
