// Package postprocess implements the best-effort asset step that runs
// after a ticket's files are placed and before it is marked Completed
// (SPEC_FULL.md §D.2), grounded on original_source's
// crates/core/src/content/{types,generic,music,video}.rs: a
// content-kind-dispatched PostProcessResult carrying an optional cover
// art path, a set of subtitle paths, and non-fatal warnings. The
// generic handler (unknown/no expected content) does nothing, matching
// generic.rs's post_process always returning PostProcessResult::empty().
package postprocess

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/ticket"
)

// Result mirrors PostProcessResult: everything here is optional and a
// missing asset is a warning, never an error.
type Result struct {
	CoverArtPath  string
	SubtitlePaths []string
	Warnings      []string
}

// Processor inspects a ticket's placed output files for content-specific
// companion assets. It never fails the pipeline: every error path is
// folded into Result.Warnings.
type Processor struct {
	Log zerolog.Logger
}

// New builds a Processor.
func New(log zerolog.Logger) *Processor {
	return &Processor{Log: log}
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
var subtitleExts = map[string]bool{".srt": true, ".vtt": true, ".ass": true, ".sub": true}

// coverArtNames are the filenames release groups conventionally use,
// checked before falling back to "any image file in the output set".
var coverArtNames = []string{"cover", "folder", "front", "albumart"}

// Run dispatches on content.Kind against the set of files the processor
// just placed, matching generic.rs/music.rs/video.rs's per-kind override
// of an otherwise no-op post_process.
func (p *Processor) Run(ctx context.Context, content ticket.ExpectedContent, outputPaths []string) Result {
	switch content.Kind {
	case ticket.ContentAlbum:
		return p.postProcessAlbum(outputPaths)
	case ticket.ContentMovie, ticket.ContentTVEpisode:
		return p.postProcessVideo(outputPaths)
	default:
		return Result{}
	}
}

// postProcessAlbum looks for cover art already present among the placed
// files (conventional filename first, then any image file), mirroring
// music.rs's "cover art detection and fetching" without a network
// dependency this repo's examples never pull in for asset fetching.
func (p *Processor) postProcessAlbum(outputPaths []string) Result {
	var res Result
	var anyImage string
	for _, path := range outputPaths {
		ext := strings.ToLower(filepath.Ext(path))
		if !imageExts[ext] {
			continue
		}
		if anyImage == "" {
			anyImage = path
		}
		base := strings.ToLower(strings.TrimSuffix(filepath.Base(path), ext))
		for _, name := range coverArtNames {
			if base == name {
				res.CoverArtPath = path
				break
			}
		}
		if res.CoverArtPath != "" {
			break
		}
	}
	if res.CoverArtPath == "" && anyImage != "" {
		res.CoverArtPath = anyImage
	}
	if res.CoverArtPath == "" {
		res.Warnings = append(res.Warnings, "no cover art found among placed files")
	}
	return res
}

// postProcessVideo collects subtitle sidecar files already present among
// the placed files, mirroring video.rs's "subtitle detection".
func (p *Processor) postProcessVideo(outputPaths []string) Result {
	var res Result
	for _, path := range outputPaths {
		ext := strings.ToLower(filepath.Ext(path))
		if subtitleExts[ext] {
			res.SubtitlePaths = append(res.SubtitlePaths, path)
		}
	}
	if len(res.SubtitlePaths) == 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("no subtitle files found among %d placed files", len(outputPaths)))
	}
	return res
}
