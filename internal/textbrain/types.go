// Package textbrain turns a ticket's expected content into search
// queries, scores search candidates against that expectation, and maps
// a chosen torrent's files onto the ticket's expected items. Grounded on
// original_source's crates/core/src/textbrain/types.rs and the
// content/{music,video,generic}.rs dispatch-by-content-kind pattern.
package textbrain

import (
	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/ticket"
)

// Method records which strategy produced a result, so callers (and audit
// records) can tell a heuristic decision from a future LLM-backed one.
type Method string

const (
	MethodHeuristic Method = "heuristic"
	MethodLLM       Method = "llm"
)

// QueryBuildResult is the output of turning expected content into one or
// more search queries.
type QueryBuildResult struct {
	Queries    []catalog.Query
	Method     Method
	Confidence float64
}

// FileMapping assigns one file within a torrent to one expected item on
// the ticket.
type FileMapping struct {
	TorrentFilePath string
	TicketItemID    string
	Confidence      float64
}

// ScoredCandidate is a search candidate with the score and reasoning the
// matcher assigned it, plus however it would map files if chosen.
type ScoredCandidate struct {
	Candidate    catalog.Candidate
	Score        float64
	Reasoning    string
	FileMappings []FileMapping
}

// Summary returns the compact form stored on ticket.State (NeedsApproval,
// AutoApproved) — see ticket.ScoredCandidateSummary.
func (s ScoredCandidate) Summary() ticket.ScoredCandidateSummary {
	return ticket.ScoredCandidateSummary{
		Title:     s.Candidate.Title,
		InfoHash:  s.Candidate.InfoHash,
		Score:     float32(s.Score),
		Reasoning: s.Reasoning,
		Seeders:   s.Candidate.Seeders,
		SizeBytes: s.Candidate.SizeBytes,
	}
}

// MatchResult is the output of scoring a batch of candidates, ordered
// best-first.
type MatchResult struct {
	Candidates []ScoredCandidate
	Method     Method
}

// QueryBuilder turns a ticket's expected content into search queries.
type QueryBuilder interface {
	BuildQueries(content ticket.ExpectedContent) (QueryBuildResult, error)
}

// Matcher scores search candidates against a ticket's expected content
// and proposes file mappings for the winner(s).
type Matcher interface {
	Match(content ticket.ExpectedContent, candidates []catalog.Candidate) (MatchResult, error)
}
