// Package ticket defines the Ticket data model and its state machine types.
//
// A Ticket is the unit of work the orchestrator shepherds from Pending
// through to Completed (or a terminal failure/cancellation). State is
// represented as a single struct carrying a Kind discriminator plus the
// union of every variant's optional fields, mirroring how the rest of this
// codebase stores polymorphic data as a JSON column next to a kind string.
package ticket

import (
	"time"

	"github.com/google/uuid"
)

// StateKind discriminates which variant of TicketState a Ticket is in.
type StateKind string

const (
	StatePending           StateKind = "pending"
	StateAcquiring         StateKind = "acquiring"
	StateAcquisitionFailed StateKind = "acquisition_failed"
	StateNeedsApproval     StateKind = "needs_approval"
	StateAutoApproved      StateKind = "auto_approved"
	StateApproved          StateKind = "approved"
	StateRejected          StateKind = "rejected"
	StateDownloading       StateKind = "downloading"
	StateConverting        StateKind = "converting"
	StatePlacing           StateKind = "placing"
	StateCompleted         StateKind = "completed"
	StatePendingRetry      StateKind = "pending_retry"
	StateFailed            StateKind = "failed"
	StateCancelled         StateKind = "cancelled"
)

// ScoredCandidateSummary is the lightweight projection of a scored torrent
// candidate that gets embedded in ticket state (NeedsApproval, AutoApproved,
// Approved, Downloading). It deliberately drops the full source list and
// file listing that the orchestrator doesn't need once a choice is made.
type ScoredCandidateSummary struct {
	Title     string  `json:"title"`
	InfoHash  string  `json:"info_hash"`
	SizeBytes uint64  `json:"size_bytes"`
	Seeders   uint32  `json:"seeders"`
	Score     float32 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// State is the tagged union of everything a ticket can be doing. The
// constructors below populate only the fields relevant to Kind; the
// orchestrator also copies a State to carry stage fields forward (e.g.
// Chosen into Converting, or a failed stage's fields onto PendingRetry).
// Zero-valued fields are omitted from JSON.
type State struct {
	Kind StateKind `json:"kind"`

	// Acquiring
	StartedAt *time.Time `json:"started_at,omitempty"`

	// AcquisitionFailed, Failed, PendingRetry
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	FailedState StateKind `json:"failed_state,omitempty"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`

	// NeedsApproval
	Candidates []ScoredCandidateSummary `json:"candidates,omitempty"`

	// AutoApproved, Approved, Downloading
	Chosen     *ScoredCandidateSummary  `json:"chosen,omitempty"`
	Alternates []ScoredCandidateSummary `json:"alternates,omitempty"`

	// Downloading
	InfoHash    string `json:"info_hash,omitempty"`
	SourceIndex int    `json:"source_index,omitempty"`

	// Converting, Placing
	PlacedSoFar    int    `json:"placed_so_far,omitempty"`
	TotalFiles     int    `json:"total_files,omitempty"`
	RollbackPlanID string `json:"rollback_plan_id,omitempty"`

	// Completed
	OutputPaths   []string `json:"output_paths,omitempty"`
	DurationMS    int64    `json:"duration_ms,omitempty"`
	CoverArtPath  string   `json:"cover_art_path,omitempty"`
	SubtitlePaths []string `json:"subtitle_paths,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Pending returns the initial state every ticket is created in.
func Pending() State { return State{Kind: StatePending} }

// Acquiring returns the Acquiring{started_at} variant.
func Acquiring(startedAt time.Time) State {
	return State{Kind: StateAcquiring, StartedAt: &startedAt}
}

// AcquisitionFailed returns the terminal AcquisitionFailed{reason, attempts} variant.
func AcquisitionFailed(reason string, attempts int) State {
	return State{Kind: StateAcquisitionFailed, Reason: reason, Attempts: attempts}
}

// NeedsApproval returns the NeedsApproval{candidates} variant.
func NeedsApproval(candidates []ScoredCandidateSummary) State {
	return State{Kind: StateNeedsApproval, Candidates: candidates}
}

// AutoApproved returns the AutoApproved{chosen, alternates} variant.
func AutoApproved(chosen ScoredCandidateSummary, alternates []ScoredCandidateSummary) State {
	c := chosen
	return State{Kind: StateAutoApproved, Chosen: &c, Alternates: alternates}
}

// Approved returns the Approved{chosen, alternates} variant.
func Approved(chosen ScoredCandidateSummary, alternates []ScoredCandidateSummary) State {
	c := chosen
	return State{Kind: StateApproved, Chosen: &c, Alternates: alternates}
}

// Rejected returns the terminal Rejected{reason} variant.
func Rejected(reason string) State {
	return State{Kind: StateRejected, Reason: reason}
}

// Downloading returns the Downloading{info_hash, source_index, started_at, alternates} variant.
// chosen is carried along so the download monitor can re-derive the full
// candidate (via the catalog store) on failover without a side lookup
// table keyed by ticket ID.
func Downloading(chosen ScoredCandidateSummary, infoHash string, sourceIndex int, startedAt time.Time, alternates []ScoredCandidateSummary) State {
	c := chosen
	return State{
		Kind:        StateDownloading,
		Chosen:      &c,
		InfoHash:    infoHash,
		SourceIndex: sourceIndex,
		StartedAt:   &startedAt,
		Alternates:  alternates,
	}
}

// Converting returns the Converting{placed_so_far, total_files} variant.
func Converting(placedSoFar, totalFiles int) State {
	return State{Kind: StateConverting, PlacedSoFar: placedSoFar, TotalFiles: totalFiles}
}

// Placing returns the Placing{placed_so_far, total_files, rollback_plan_id} variant.
func Placing(placedSoFar, totalFiles int, rollbackPlanID string) State {
	return State{
		Kind:           StatePlacing,
		PlacedSoFar:    placedSoFar,
		TotalFiles:     totalFiles,
		RollbackPlanID: rollbackPlanID,
	}
}

// Completed returns the terminal Completed{output_paths, duration_ms} variant.
func Completed(outputPaths []string, durationMS int64) State {
	return State{Kind: StateCompleted, OutputPaths: outputPaths, DurationMS: durationMS}
}

// CompletedWithAssets returns the terminal Completed variant augmented with
// the optional post-processing result (cover art / subtitles fetched after
// placement, and any non-fatal warnings from that step).
func CompletedWithAssets(outputPaths []string, durationMS int64, coverArtPath string, subtitlePaths []string, warnings []string) State {
	return State{
		Kind:          StateCompleted,
		OutputPaths:   outputPaths,
		DurationMS:    durationMS,
		CoverArtPath:  coverArtPath,
		SubtitlePaths: subtitlePaths,
		Warnings:      warnings,
	}
}

// PendingRetry returns the PendingRetry{failed_state, reason, retry_at, attempt} variant.
func PendingRetry(failedState StateKind, reason string, retryAt time.Time, attempt int) State {
	return State{
		Kind:        StatePendingRetry,
		FailedState: failedState,
		Reason:      reason,
		RetryAt:     &retryAt,
		Attempts:    attempt,
	}
}

// Failed returns the terminal Failed{failed_state, reason} variant.
func Failed(failedState StateKind, reason string) State {
	return State{Kind: StateFailed, FailedState: failedState, Reason: reason}
}

// Cancelled returns the terminal Cancelled{reason} variant.
func Cancelled(reason string) State {
	return State{Kind: StateCancelled, Reason: reason}
}

// IsTerminal reports whether a state has no further automatic or
// user-driven transition (AcquisitionFailed is terminal unless manually
// retried, which this package doesn't model as a distinct transition target).
func (s State) IsTerminal() bool {
	switch s.Kind {
	case StateAcquisitionFailed, StateRejected, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ExpectedContentKind names the shape of content a ticket is looking for.
type ExpectedContentKind string

const (
	ContentAlbum     ExpectedContentKind = "album"
	ContentMovie     ExpectedContentKind = "movie"
	ContentTVEpisode ExpectedContentKind = "tv_episode"
)

// ExpectedItem is one nested item within an expected-content descriptor
// (a track within an album, an episode within a season, ...).
type ExpectedItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// Number is the track/episode/disc-relative ordinal, when known.
	Number int `json:"number,omitempty"`
}

// ExpectedContent describes the shape of content the user expects to
// receive, used by TextBrain for query building, scoring and file mapping.
type ExpectedContent struct {
	Kind   ExpectedContentKind `json:"kind"`
	Title  string              `json:"title"`
	Artist string              `json:"artist,omitempty"`
	Year   int                 `json:"year,omitempty"`
	Season int                 `json:"season,omitempty"`
	Items  []ExpectedItem      `json:"items,omitempty"`
}

// QueryContext is the free-text description plus structured hints a ticket
// carries into acquisition.
type QueryContext struct {
	Description string           `json:"description"`
	Tags        []string         `json:"tags,omitempty"`
	Expected    *ExpectedContent `json:"expected,omitempty"`
}

// AudioConstraints narrows acceptable audio output.
type AudioConstraints struct {
	Codec      string `json:"codec,omitempty"`
	BitrateKbp int    `json:"bitrate_kbps,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// VideoConstraints narrows acceptable video output.
type VideoConstraints struct {
	Codec      string `json:"codec,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// OutputConstraints is the optional target-format spec for conversion.
type OutputConstraints struct {
	Audio *AudioConstraints `json:"audio,omitempty"`
	Video *VideoConstraints `json:"video,omitempty"`
}

// Ticket is the unit of work tracked end-to-end by the orchestrator.
type Ticket struct {
	ID                uuid.UUID          `json:"id"`
	CreatedBy         string             `json:"created_by"`
	Priority          uint16             `json:"priority"`
	Query             QueryContext       `json:"query_context"`
	DestPath          string             `json:"dest_path"`
	OutputConstraints *OutputConstraints `json:"output_constraints,omitempty"`
	State             State              `json:"state"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
