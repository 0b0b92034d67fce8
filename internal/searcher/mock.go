package searcher

import (
	"context"

	"github.com/torrentino/torrentino/internal/catalog"
)

// MockIndexer is a fixed-response Indexer used by tests and by local
// development config when no real indexer is wired up.
type MockIndexer struct {
	NameValue string
	Results   []catalog.RawResult
	Err       error
	IsEnabled bool
}

func (m *MockIndexer) Name() string { return m.NameValue }

func (m *MockIndexer) Enabled() bool { return m.IsEnabled }

func (m *MockIndexer) Search(ctx context.Context, q catalog.Query) ([]catalog.RawResult, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Results, nil
}
