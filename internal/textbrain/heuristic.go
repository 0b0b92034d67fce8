package textbrain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/torrentino/torrentino/internal/catalog"
	"github.com/torrentino/torrentino/internal/ticket"
)

// Heuristic is the "dumb" (non-LLM) QueryBuilder/Matcher, grounded on
// original_source's content/{music,video,generic}.rs dispatch-by-kind
// pattern: build_queries/score_candidates/map_files each branch on the
// expected content's Kind rather than using a single generic strategy.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) BuildQueries(content ticket.ExpectedContent) (QueryBuildResult, error) {
	switch content.Kind {
	case ticket.ContentAlbum:
		return h.buildAlbumQueries(content), nil
	case ticket.ContentMovie:
		return h.buildMovieQueries(content), nil
	case ticket.ContentTVEpisode:
		return h.buildTVQueries(content), nil
	default:
		return h.buildGenericQueries(content), nil
	}
}

func (h *Heuristic) buildAlbumQueries(c ticket.ExpectedContent) QueryBuildResult {
	text := strings.TrimSpace(c.Artist + " " + c.Title)
	queries := []catalog.Query{
		{Text: text, Categories: []catalog.Category{catalog.CategoryMusic, catalog.CategoryAudio}},
	}
	if c.Year != 0 {
		queries = append(queries, catalog.Query{
			Text:       fmt.Sprintf("%s %d", text, c.Year),
			Categories: []catalog.Category{catalog.CategoryMusic, catalog.CategoryAudio},
		})
	}
	return QueryBuildResult{Queries: queries, Method: MethodHeuristic, Confidence: 0.7}
}

func (h *Heuristic) buildMovieQueries(c ticket.ExpectedContent) QueryBuildResult {
	text := c.Title
	if c.Year != 0 {
		text = fmt.Sprintf("%s %d", c.Title, c.Year)
	}
	return QueryBuildResult{
		Queries:    []catalog.Query{{Text: text, Categories: []catalog.Category{catalog.CategoryMovies}}},
		Method:     MethodHeuristic,
		Confidence: 0.75,
	}
}

func (h *Heuristic) buildTVQueries(c ticket.ExpectedContent) QueryBuildResult {
	text := c.Title
	if c.Season != 0 {
		text = fmt.Sprintf("%s S%02d", c.Title, c.Season)
	}
	return QueryBuildResult{
		Queries:    []catalog.Query{{Text: text, Categories: []catalog.Category{catalog.CategoryTV}}},
		Method:     MethodHeuristic,
		Confidence: 0.65,
	}
}

func (h *Heuristic) buildGenericQueries(c ticket.ExpectedContent) QueryBuildResult {
	return QueryBuildResult{
		Queries:    []catalog.Query{{Text: c.Title}},
		Method:     MethodHeuristic,
		Confidence: 0.4,
	}
}

// Match scores every candidate and proposes file mappings for it,
// dispatching on content kind the same way BuildQueries does.
func (h *Heuristic) Match(content ticket.ExpectedContent, candidates []catalog.Candidate) (MatchResult, error) {
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		var sc ScoredCandidate
		switch content.Kind {
		case ticket.ContentAlbum:
			sc = h.scoreAlbum(content, c)
		case ticket.ContentMovie:
			sc = h.scoreMovie(content, c)
		case ticket.ContentTVEpisode:
			sc = h.scoreTVEpisode(content, c)
		default:
			sc = h.scoreGeneric(content, c)
		}
		scored = append(scored, sc)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return MatchResult{Candidates: scored, Method: MethodHeuristic}, nil
}

// titleOverlap is a crude bag-of-words score: fraction of the expected
// title's words found (case-insensitively) in the candidate title.
func titleOverlap(expected, candidate string) float64 {
	expectedWords := strings.Fields(strings.ToLower(expected))
	if len(expectedWords) == 0 {
		return 0
	}
	candidateLower := strings.ToLower(candidate)
	matched := 0
	for _, w := range expectedWords {
		if strings.Contains(candidateLower, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(expectedWords))
}

// seederBoost rewards well-seeded candidates without letting seeders
// dominate title relevance: diminishing returns past a handful of seeders.
func seederBoost(seeders uint32) float64 {
	if seeders == 0 {
		return 0
	}
	boost := 0.05 * float64(seeders)
	if boost > 0.2 {
		boost = 0.2
	}
	return boost
}

func (h *Heuristic) scoreAlbum(content ticket.ExpectedContent, c catalog.Candidate) ScoredCandidate {
	score := titleOverlap(content.Artist+" "+content.Title, c.Title)*0.8 + seederBoost(c.Seeders)
	mappings := mapFilesToItems(c.Files, content.Items)
	return ScoredCandidate{
		Candidate:    c,
		Score:        clamp01(score),
		Reasoning:    "title/artist word overlap plus seeder health",
		FileMappings: mappings,
	}
}

func (h *Heuristic) scoreMovie(content ticket.ExpectedContent, c catalog.Candidate) ScoredCandidate {
	score := titleOverlap(content.Title, c.Title) * 0.85
	if content.Year != 0 && strings.Contains(c.Title, strconv.Itoa(content.Year)) {
		score += 0.1
	}
	score += seederBoost(c.Seeders)
	return ScoredCandidate{
		Candidate: c,
		Score:     clamp01(score),
		Reasoning: "title overlap, year match bonus, seeder health",
	}
}

func (h *Heuristic) scoreTVEpisode(content ticket.ExpectedContent, c catalog.Candidate) ScoredCandidate {
	score := titleOverlap(content.Title, c.Title) * 0.8
	if content.Season != 0 {
		seasonTag := fmt.Sprintf("s%02d", content.Season)
		if strings.Contains(strings.ToLower(c.Title), seasonTag) {
			score += 0.15
		}
	}
	score += seederBoost(c.Seeders)
	return ScoredCandidate{
		Candidate: c,
		Score:     clamp01(score),
		Reasoning: "title overlap, season tag bonus, seeder health",
	}
}

func (h *Heuristic) scoreGeneric(content ticket.ExpectedContent, c catalog.Candidate) ScoredCandidate {
	score := titleOverlap(content.Title, c.Title)*0.9 + seederBoost(c.Seeders)
	return ScoredCandidate{Candidate: c, Score: clamp01(score), Reasoning: "title word overlap"}
}

// mapFilesToItems pairs each expected item with the torrent file whose
// name best overlaps its title, in item order. No attempt is made at a
// globally optimal assignment — first-fit is sufficient for the common
// case of a torrent's track listing being in order.
func mapFilesToItems(files []catalog.File, items []ticket.ExpectedItem) []FileMapping {
	if len(files) == 0 || len(items) == 0 {
		return nil
	}
	used := make(map[int]bool, len(files))
	mappings := make([]FileMapping, 0, len(items))
	for _, item := range items {
		bestIdx, bestScore := -1, -1.0
		for i, f := range files {
			if used[i] {
				continue
			}
			s := titleOverlap(item.Title, f.Path)
			if s > bestScore {
				bestIdx, bestScore = i, s
			}
		}
		if bestIdx == -1 {
			continue
		}
		used[bestIdx] = true
		mappings = append(mappings, FileMapping{
			TorrentFilePath: files[bestIdx].Path,
			TicketItemID:    item.ID,
			Confidence:      clamp01(bestScore),
		})
	}
	return mappings
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
