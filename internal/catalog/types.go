// Package catalog defines the torrent candidate/source data model shared
// by the searcher and the persistent torrent catalog (search result cache),
// plus the deduplication logic the acquirer runs over accumulated search
// results (spec §4.2 step 3, §9 "Candidate de-duplication across queries").
package catalog

import (
	"strings"
	"time"
)

// Category filters a search by content type.
type Category string

const (
	CategoryAudio    Category = "audio"
	CategoryMusic    Category = "music"
	CategoryMovies   Category = "movies"
	CategoryTV       Category = "tv"
	CategoryBooks    Category = "books"
	CategorySoftware Category = "software"
	CategoryOther    Category = "other"
)

// Query is the input to a single searcher.Search call.
type Query struct {
	Text       string
	Indexers   []string
	Categories []Category
	Limit      int
}

// File is a single file listed within a torrent.
type File struct {
	Path      string
	SizeBytes uint64
}

// Source is one indexer's listing for a candidate.
type Source struct {
	Indexer    string
	MagnetURI  string
	TorrentURL string
	Seeders    uint32
	Leechers   uint32
	DetailsURL string
}

// Candidate is a deduplicated torrent: one info_hash, aggregated
// seeder/leecher counts, and every indexer that has it.
type Candidate struct {
	Title       string
	InfoHash    string
	SizeBytes   uint64
	Seeders     uint32
	Leechers    uint32
	Category    string
	PublishDate *time.Time
	Files       []File
	Sources     []Source
	FromCache   bool
}

// RawResult is a single indexer's hit before deduplication/merging.
type RawResult struct {
	Title       string
	Indexer     string
	MagnetURI   string
	TorrentURL  string
	InfoHash    string
	SizeBytes   uint64
	Seeders     uint32
	Leechers    uint32
	Category    string
	PublishDate *time.Time
	DetailsURL  string
	Files       []File
}

// Result wraps a search with its timing and any partial indexer failures.
type Result struct {
	Query          Query
	Candidates     []Candidate
	DurationMS     int64
	IndexerErrors  map[string]string
}

// IndexerStatus reports whether a configured indexer is enabled.
type IndexerStatus struct {
	Name    string
	Enabled bool
}

// normalizeHash lower-cases an info hash; per spec the dedup key is
// lower-cased hex, and an empty hash disables dedup for that row (each
// empty-hash result becomes its own singleton group).
func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// Dedup groups raw results by lower-cased info_hash, summing seeders and
// leechers across sources, keeping the earliest publish date and the first
// non-empty file listing. An empty info_hash is never merged with another
// row, even another empty-hash row — each becomes its own singleton group,
// per spec §9.
//
// Deduplicating an already-deduplicated list is a no-op (each Candidate's
// info_hash is already unique and, when non-empty, groups to itself).
func Dedup(raw []RawResult) []Candidate {
	type group struct {
		candidate Candidate
	}

	var order []string
	byHash := make(map[string]*group)
	singletons := make([]*group, 0)

	for _, r := range raw {
		hash := normalizeHash(r.InfoHash)
		src := Source{
			Indexer:    r.Indexer,
			MagnetURI:  r.MagnetURI,
			TorrentURL: r.TorrentURL,
			Seeders:    r.Seeders,
			Leechers:   r.Leechers,
			DetailsURL: r.DetailsURL,
		}

		if hash == "" {
			g := &group{candidate: Candidate{
				Title:       r.Title,
				InfoHash:    "",
				SizeBytes:   r.SizeBytes,
				Seeders:     r.Seeders,
				Leechers:    r.Leechers,
				Category:    r.Category,
				PublishDate: r.PublishDate,
				Files:       r.Files,
				Sources:     []Source{src},
			}}
			singletons = append(singletons, g)
			continue
		}

		g, ok := byHash[hash]
		if !ok {
			g = &group{candidate: Candidate{
				Title:       r.Title,
				InfoHash:    hash,
				SizeBytes:   r.SizeBytes,
				Category:    r.Category,
				PublishDate: r.PublishDate,
				Files:       r.Files,
			}}
			byHash[hash] = g
			order = append(order, hash)
		}
		g.candidate.Seeders += r.Seeders
		g.candidate.Leechers += r.Leechers
		g.candidate.Sources = append(g.candidate.Sources, src)
		if g.candidate.SizeBytes == 0 {
			g.candidate.SizeBytes = r.SizeBytes
		}
		if len(g.candidate.Files) == 0 && len(r.Files) > 0 {
			g.candidate.Files = r.Files
		}
		if earlier(r.PublishDate, g.candidate.PublishDate) {
			g.candidate.PublishDate = r.PublishDate
		}
	}

	out := make([]Candidate, 0, len(order)+len(singletons))
	for _, hash := range order {
		out = append(out, byHash[hash].candidate)
	}
	for _, s := range singletons {
		out = append(out, s.candidate)
	}
	return out
}

// Merge combines candidate lists already produced by Dedup (e.g. the
// per-query results of several searches during one acquisition run) into
// a single deduplicated-by-info_hash list, summing seeders/leechers and
// concatenating sources the same way Dedup does, per spec §9 ("accumulate
// results across all queries before scoring"). A single already-
// deduplicated batch passes through unchanged, consistent with Dedup's
// own idempotence; passing the same list twice sums its entries with
// themselves.
func Merge(batches ...[]Candidate) []Candidate {
	var order []string
	byHash := make(map[string]*Candidate)
	var singletons []Candidate

	for _, batch := range batches {
		for _, c := range batch {
			hash := normalizeHash(c.InfoHash)
			if hash == "" {
				singletons = append(singletons, c)
				continue
			}
			existing, ok := byHash[hash]
			if !ok {
				cc := c
				cc.InfoHash = hash
				byHash[hash] = &cc
				order = append(order, hash)
				continue
			}
			existing.Seeders += c.Seeders
			existing.Leechers += c.Leechers
			existing.Sources = append(existing.Sources, c.Sources...)
			if existing.SizeBytes == 0 {
				existing.SizeBytes = c.SizeBytes
			}
			if len(existing.Files) == 0 && len(c.Files) > 0 {
				existing.Files = c.Files
			}
			if earlier(c.PublishDate, existing.PublishDate) {
				existing.PublishDate = c.PublishDate
			}
		}
	}

	out := make([]Candidate, 0, len(order)+len(singletons))
	for _, hash := range order {
		out = append(out, *byHash[hash])
	}
	out = append(out, singletons...)
	return out
}

// earlier reports whether a is non-nil and strictly earlier than b (or b is nil).
func earlier(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}
