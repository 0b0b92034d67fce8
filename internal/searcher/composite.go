package searcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/catalog"
)

// Indexer is a single backend the composite Searcher fans a query out to
// (a Jackett/Prowlarr-style indexer, or any other torrent source).
type Indexer interface {
	Name() string
	Search(ctx context.Context, q catalog.Query) ([]catalog.RawResult, error)
	Enabled() bool
}

// Composite fans a query out to every configured Indexer concurrently,
// merges the raw hits with catalog.Dedup, and reports per-indexer errors
// without failing the whole search — mirroring the teacher's
// relay/scanner pattern of tolerating partial backend failure.
type Composite struct {
	indexers []Indexer
	log      zerolog.Logger
}

// NewComposite builds a Composite over the given indexers.
func NewComposite(log zerolog.Logger, indexers ...Indexer) *Composite {
	return &Composite{indexers: indexers, log: log.With().Str("component", "searcher").Logger()}
}

func (c *Composite) Name() string { return "composite" }

func (c *Composite) IndexerStatus() []catalog.IndexerStatus {
	out := make([]catalog.IndexerStatus, 0, len(c.indexers))
	for _, idx := range c.indexers {
		out = append(out, catalog.IndexerStatus{Name: idx.Name(), Enabled: idx.Enabled()})
	}
	return out
}

func (c *Composite) Search(ctx context.Context, q catalog.Query) (catalog.Result, error) {
	start := time.Now()

	type outcome struct {
		indexer string
		raw     []catalog.RawResult
		err     error
	}

	active := make([]Indexer, 0, len(c.indexers))
	for _, idx := range c.indexers {
		if idx.Enabled() {
			active = append(active, idx)
		}
	}
	if len(active) == 0 {
		return catalog.Result{}, &Error{Kind: ErrAllIndexersFailed, Cause: errNoEnabledIndexers}
	}

	results := make(chan outcome, len(active))
	var wg sync.WaitGroup
	for _, idx := range active {
		wg.Add(1)
		go func(idx Indexer) {
			defer wg.Done()
			raw, err := idx.Search(ctx, q)
			results <- outcome{indexer: idx.Name(), raw: raw, err: err}
		}(idx)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var all []catalog.RawResult
	indexerErrors := make(map[string]string)
	for o := range results {
		if o.err != nil {
			c.log.Warn().Str("indexer", o.indexer).Err(o.err).Msg("indexer search failed")
			indexerErrors[o.indexer] = o.err.Error()
			continue
		}
		all = append(all, o.raw...)
	}

	if len(all) == 0 && len(indexerErrors) == len(active) {
		return catalog.Result{}, &Error{Kind: ErrAllIndexersFailed, Cause: errAllIndexersFailed}
	}

	candidates := catalog.Dedup(all)
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	return catalog.Result{
		Query:         q,
		Candidates:    candidates,
		DurationMS:    time.Since(start).Milliseconds(),
		IndexerErrors: indexerErrors,
	}, nil
}

var (
	errNoEnabledIndexers = simpleError("no indexers enabled")
	errAllIndexersFailed = simpleError("every configured indexer failed")
)

type simpleError string

func (e simpleError) Error() string { return string(e) }
