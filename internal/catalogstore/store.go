// Package catalogstore persists the torrent catalog — the search-result
// cache keyed by info_hash that spec §6 describes ("De-duplicates by
// info_hash; merges sources").
package catalogstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/torrentino/torrentino/internal/catalog"
)

// Stats summarizes the catalog contents for the status/dashboard surface.
type Stats struct {
	TotalTorrents   int64
	TotalFiles      int64
	TotalSizeBytes  int64
	UniqueIndexers  int64
	OldestEntry     *time.Time
	NewestEntry     *time.Time
}

// Store is the persistence contract for the torrent catalog.
type Store interface {
	// Store upserts candidates, merging sources and bumping seen_count for
	// rows that already exist (matched by info_hash).
	Store(candidates []catalog.Candidate) error
	StoreFiles(infoHash string, files []catalog.File) error
	Get(infoHash string) (catalog.Candidate, bool, error)
	GetFiles(infoHash string) ([]catalog.File, error)
	Search(query string, limit int) ([]catalog.Candidate, error)
	Stats() (Stats, error)
}

// SQLiteStore is the default embedded catalog implementation.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS catalog (
	info_hash TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	category TEXT,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	seen_count INTEGER NOT NULL DEFAULT 1,
	sources TEXT NOT NULL,
	files TEXT
);
CREATE VIRTUAL TABLE IF NOT EXISTS catalog_fts USING fts4(info_hash, title, content="catalog");
`

// OpenSQLite opens (and migrates) a SQLite-backed catalog store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalogstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalogstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Store(candidates []catalog.Candidate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("catalogstore: store/begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range candidates {
		if c.InfoHash == "" {
			continue // nothing stable to key the cache row on
		}
		existing, found, err := s.getTx(tx, c.InfoHash)
		if err != nil {
			return err
		}
		merged := c
		seenCount := int64(1)
		firstSeen := now
		if found {
			merged = mergeCandidate(existing, c)
			firstSeen = existing.firstSeenAt
			seenCount = existing.seenCount + 1
		}
		sourcesJSON, err := json.Marshal(merged.Sources)
		if err != nil {
			return err
		}
		var filesJSON []byte
		if len(merged.Files) > 0 {
			filesJSON, err = json.Marshal(merged.Files)
			if err != nil {
				return err
			}
		}
		_, err = tx.Exec(
			`INSERT INTO catalog (info_hash, title, size_bytes, category, first_seen_at, last_seen_at, seen_count, sources, files)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(info_hash) DO UPDATE SET
				title=excluded.title, size_bytes=excluded.size_bytes, category=excluded.category,
				last_seen_at=excluded.last_seen_at, seen_count=excluded.seen_count,
				sources=excluded.sources, files=excluded.files`,
			merged.InfoHash, merged.Title, merged.SizeBytes, merged.Category, firstSeen, now, seenCount,
			string(sourcesJSON), nullable(filesJSON),
		)
		if err != nil {
			return fmt.Errorf("catalogstore: store/upsert: %w", err)
		}
	}
	return tx.Commit()
}

func nullable(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

// mergeCandidate combines a freshly-searched candidate with the cached row,
// summing nothing (seeders are point-in-time, not cumulative) but unioning
// sources by indexer name and keeping the fresh file listing unless it is
// empty.
func mergeCandidate(existing cachedRow, fresh catalog.Candidate) catalog.Candidate {
	bySource := make(map[string]catalog.Source, len(existing.sources)+len(fresh.Sources))
	for _, src := range existing.sources {
		bySource[src.Indexer] = src
	}
	for _, src := range fresh.Sources {
		bySource[src.Indexer] = src // fresh data wins for a given indexer
	}
	merged := fresh
	merged.Sources = merged.Sources[:0]
	for _, src := range bySource {
		merged.Sources = append(merged.Sources, src)
	}
	if len(merged.Files) == 0 {
		merged.Files = existing.files
	}
	return merged
}

type cachedRow struct {
	catalog.Candidate
	firstSeenAt string
	seenCount   int64
}

func (s *SQLiteStore) getTx(tx *sql.Tx, infoHash string) (cachedRow, bool, error) {
	row := tx.QueryRow(`SELECT title, size_bytes, category, first_seen_at, seen_count, sources, files FROM catalog WHERE info_hash = ?`, infoHash)
	return scanCachedRow(row, infoHash)
}

func scanCachedRow(row *sql.Row, infoHash string) (cachedRow, bool, error) {
	var (
		title, category, firstSeenAt, sourcesJSON string
		filesJSON                                 sql.NullString
		sizeBytes                                 uint64
		seenCount                                 int64
	)
	if err := row.Scan(&title, &sizeBytes, &category, &firstSeenAt, &seenCount, &sourcesJSON, &filesJSON); err != nil {
		if err == sql.ErrNoRows {
			return cachedRow{}, false, nil
		}
		return cachedRow{}, false, fmt.Errorf("catalogstore: scan: %w", err)
	}
	var sources []catalog.Source
	if err := json.Unmarshal([]byte(sourcesJSON), &sources); err != nil {
		return cachedRow{}, false, err
	}
	var files []catalog.File
	if filesJSON.Valid {
		if err := json.Unmarshal([]byte(filesJSON.String), &files); err != nil {
			return cachedRow{}, false, err
		}
	}
	return cachedRow{
		Candidate: catalog.Candidate{
			Title: title, InfoHash: infoHash, SizeBytes: sizeBytes, Category: category,
			Sources: sources, Files: files, FromCache: true,
		},
		firstSeenAt: firstSeenAt,
		seenCount:   seenCount,
	}, true, nil
}

func (s *SQLiteStore) StoreFiles(infoHash string, files []catalog.File) error {
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE catalog SET files = ? WHERE info_hash = ?`, string(filesJSON), infoHash)
	return err
}

func (s *SQLiteStore) Get(infoHash string) (catalog.Candidate, bool, error) {
	row := s.db.QueryRow(`SELECT title, size_bytes, category, first_seen_at, seen_count, sources, files FROM catalog WHERE info_hash = ?`, infoHash)
	cr, found, err := scanCachedRow(row, infoHash)
	if err != nil || !found {
		return catalog.Candidate{}, found, err
	}
	return cr.Candidate, true, nil
}

func (s *SQLiteStore) GetFiles(infoHash string) ([]catalog.File, error) {
	c, found, err := s.Get(infoHash)
	if err != nil || !found {
		return nil, err
	}
	return c.Files, nil
}

func (s *SQLiteStore) Search(query string, limit int) ([]catalog.Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT title, size_bytes, category, first_seen_at, seen_count, sources, files FROM catalog
		 WHERE title LIKE ? ORDER BY seen_count DESC LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("catalogstore: search: %w", err)
	}
	defer rows.Close()

	var out []catalog.Candidate
	for rows.Next() {
		var (
			title, category, firstSeenAt, sourcesJSON string
			filesJSON                                 sql.NullString
			sizeBytes                                 uint64
			seenCount                                 int64
		)
		if err := rows.Scan(&title, &sizeBytes, &category, &firstSeenAt, &seenCount, &sourcesJSON, &filesJSON); err != nil {
			return nil, err
		}
		var sources []catalog.Source
		json.Unmarshal([]byte(sourcesJSON), &sources)
		var files []catalog.File
		if filesJSON.Valid {
			json.Unmarshal([]byte(filesJSON.String), &files)
		}
		out = append(out, catalog.Candidate{
			Title: title, SizeBytes: sizeBytes, Category: category,
			Sources: sources, Files: files, FromCache: true,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	var oldest, newest sql.NullString
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size_bytes),0), MIN(first_seen_at), MAX(last_seen_at) FROM catalog`,
	).Scan(&st.TotalTorrents, &st.TotalSizeBytes, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("catalogstore: stats: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			st.OldestEntry = &t
		}
	}
	if newest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, newest.String); err == nil {
			st.NewestEntry = &t
		}
	}
	return st, nil
}
