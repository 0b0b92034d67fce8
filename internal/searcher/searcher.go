// Package searcher defines the indexer-facing search contract the acquirer
// loop calls into (spec §4.2), grounded on original_source's
// crates/core/src/searcher/types.rs Searcher trait.
package searcher

import (
	"context"
	"fmt"

	"github.com/torrentino/torrentino/internal/catalog"
)

// Searcher queries one indexer (or a composite of several) for torrent
// candidates matching a query.
type Searcher interface {
	Name() string
	Search(ctx context.Context, q catalog.Query) (catalog.Result, error)
	IndexerStatus() []catalog.IndexerStatus
}

// ErrorKind distinguishes transient failures the acquirer should retry from
// hard failures it should fail the ticket on, per spec §4.2's failure
// taxonomy and original_source's SearchError enum.
type ErrorKind string

const (
	ErrConnectionFailed ErrorKind = "connection_failed"
	ErrAPIError         ErrorKind = "api_error"
	ErrIndexerNotFound  ErrorKind = "indexer_not_found"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrAllIndexersFailed ErrorKind = "all_indexers_failed"
	ErrTimeout          ErrorKind = "timeout"
	ErrInternal         ErrorKind = "internal"
)

// Error wraps a search failure with enough context for the acquirer to
// decide whether to retry (Retryable) and, for rate limiting, how long to
// back off.
type Error struct {
	Kind          ErrorKind
	Indexer       string
	RetryAfterMS  int64
	Cause         error
}

func (e *Error) Error() string {
	if e.Indexer != "" {
		return fmt.Sprintf("searcher: %s (%s): %v", e.Kind, e.Indexer, e.Cause)
	}
	return fmt.Sprintf("searcher: %s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the acquirer should schedule a retry rather
// than transition the ticket straight to AcquisitionFailed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrConnectionFailed, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}
