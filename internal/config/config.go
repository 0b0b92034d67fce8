// Package config loads the TOML configuration surface described in
// spec.md §6, following containers-image's use of BurntSushi/toml for a
// tabular config and the teacher's loadFromEnv pattern for container
// deployment overrides (env wins over file, file wins over default).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// StoreConfig selects and configures the backing persistence driver.
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

// OrchestratorConfig is the [orchestrator] table, spec §6.
type OrchestratorConfig struct {
	Enabled                   bool    `toml:"enabled"`
	AcquisitionPollIntervalMS int     `toml:"acquisition_poll_interval_ms"`
	DownloadPollIntervalMS    int     `toml:"download_poll_interval_ms"`
	AutoApproveThreshold      float64 `toml:"auto_approve_threshold"`
	MaxConcurrentDownloads    int     `toml:"max_concurrent_downloads"` // 0 = unlimited
	StallThresholdSecs        int     `toml:"stall_threshold_secs"`
	MaxCandidatesKept         int     `toml:"max_candidates_kept"` // N in alternates[..N] / top[..N]
}

// RetryConfig is the [processor.retry] table, spec §6.
type RetryConfig struct {
	MaxAttempts       int     `toml:"max_attempts"`
	InitialDelaySecs  int     `toml:"initial_delay_secs"`
	MaxDelaySecs      int     `toml:"max_delay_secs"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// ProcessorConfig is the [processor] table, spec §6.
type ProcessorConfig struct {
	MaxParallelConversions int         `toml:"max_parallel_conversions"`
	MaxParallelPlacements  int         `toml:"max_parallel_placements"`
	ConversionTimeoutSecs  int         `toml:"conversion_timeout_secs"`
	ProgressIntervalMS     int         `toml:"progress_interval_ms"`
	CleanupAfterPlacement  bool        `toml:"cleanup_after_placement"`
	TempRoot               string      `toml:"temp_root"`
	Retry                  RetryConfig `toml:"retry"`
}

// PlacerConfig is the [placer] table, spec §6.
type PlacerConfig struct {
	PreferAtomicMoves bool   `toml:"prefer_atomic_moves"`
	VerifyChecksums   bool   `toml:"verify_checksums"`
	ChecksumAlgorithm string `toml:"checksum_algorithm"` // "sha256" or "md5"
	CreateParents     bool   `toml:"create_parents"`
	DirectoryMode     uint32 `toml:"directory_mode"`
	BackupDir         string `toml:"backup_dir"`
	Overwrite         bool   `toml:"overwrite"`
	EnableRollback    bool   `toml:"enable_rollback"`
	CopyBufferBytes   int    `toml:"copy_buffer_bytes"`
	WatchTempDir      bool   `toml:"watch_temp_dir"`
}

// SearcherConfig is the [searcher] table. It is parsed, but cmd/torrentino does not pass it to the searcher: no code reads
// Indexers or SearchMode (see SPEC_FULL.md §D.4).
type SearcherConfig struct {
	Indexers   []string `toml:"indexers"`
	SearchMode string   `toml:"search_mode"` // "catalog", "indexers", "both"
	TimeoutMS  int      `toml:"timeout_ms"`
}

// TorrentConfig is the [torrent] table controlling the anacrolix/torrent
// backed client.
type TorrentConfig struct {
	DataDir         string `toml:"data_dir"`
	ListenPort      int    `toml:"listen_port"`
	MaxUploadRate   int    `toml:"max_upload_rate"`
	MaxDownloadRate int    `toml:"max_download_rate"`
	RPCTimeoutMS    int    `toml:"rpc_timeout_ms"`
}

// TextBrainConfig is the [textbrain] table naming a query-builder/matcher
// backend. cmd/torrentino always builds the heuristic backend and does not
// read this table; no LLM backend is implemented.
type TextBrainConfig struct {
	Backend       string `toml:"backend"` // "heuristic" or "llm"
	LLMModel      string `toml:"llm_model"`
	LLMTimeoutMS  int    `toml:"llm_timeout_ms"`
	LLMAPIKeyEnv  string `toml:"llm_api_key_env"`
}

// APIConfig is the [api] table for the HTTP/WebSocket surface.
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// ExternalCatalogConfig is the [external_catalog] table controlling the
// optional MusicBrainz/TMDB enrichment step (SPEC_FULL.md §D.3).
type ExternalCatalogConfig struct {
	MusicBrainzEnabled bool   `toml:"musicbrainz_enabled"`
	TMDBEnabled        bool   `toml:"tmdb_enabled"`
	TMDBAPIKeyEnv      string `toml:"tmdb_api_key_env"` // name of the env var holding the TMDB key
}

// PostProcessConfig is the [postprocess] table controlling the optional
// cover-art/subtitle asset step (SPEC_FULL.md §D.2).
type PostProcessConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig is the [logging] table.
type LoggingConfig struct {
	Level      string `toml:"level"`
	FilePath   string `toml:"file_path"`
	Console    bool   `toml:"console"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config is the root of the TOML document.
type Config struct {
	Store        StoreConfig        `toml:"store"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Processor    ProcessorConfig    `toml:"processor"`
	Placer       PlacerConfig       `toml:"placer"`
	Searcher     SearcherConfig     `toml:"searcher"`
	Torrent      TorrentConfig      `toml:"torrent"`
	TextBrain    TextBrainConfig    `toml:"textbrain"`
	API             APIConfig             `toml:"api"`
	Logging         LoggingConfig         `toml:"logging"`
	ExternalCatalog ExternalCatalogConfig `toml:"external_catalog"`
	PostProcess     PostProcessConfig     `toml:"postprocess"`
}

// Default returns the configuration spec §6 describes when no file or
// environment override is present.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: "sqlite", DSN: "torrentino.db"},
		Orchestrator: OrchestratorConfig{
			Enabled:                   true,
			AcquisitionPollIntervalMS: 5000,
			DownloadPollIntervalMS:    3000,
			AutoApproveThreshold:      0.85,
			MaxConcurrentDownloads:    0,
			StallThresholdSecs:        600,
			MaxCandidatesKept:         5,
		},
		Processor: ProcessorConfig{
			MaxParallelConversions: 4,
			MaxParallelPlacements:  8,
			ConversionTimeoutSecs:  3600,
			ProgressIntervalMS:     1000,
			CleanupAfterPlacement:  true,
			TempRoot:               "/tmp/torrentino",
			Retry: RetryConfig{
				MaxAttempts:       5,
				InitialDelaySecs:  60,
				MaxDelaySecs:      3600,
				BackoffMultiplier: 2.0,
			},
		},
		Placer: PlacerConfig{
			PreferAtomicMoves: true,
			VerifyChecksums:   false,
			ChecksumAlgorithm: "sha256",
			CreateParents:     true,
			DirectoryMode:     0o755,
			Overwrite:         false,
			EnableRollback:    true,
			CopyBufferBytes:   8 << 20,
			WatchTempDir:      true,
		},
		Searcher: SearcherConfig{SearchMode: "both", TimeoutMS: 30000},
		Torrent:  TorrentConfig{DataDir: "/var/lib/torrentino/torrents", RPCTimeoutMS: 10000},
		TextBrain: TextBrainConfig{
			Backend:      "heuristic",
			LLMTimeoutMS: 30000,
		},
		API:     APIConfig{ListenAddr: ":10858"},
		Logging: LoggingConfig{Level: "info", Console: true, MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		ExternalCatalog: ExternalCatalogConfig{
			MusicBrainzEnabled: false,
			TMDBEnabled:        false,
			TMDBAPIKeyEnv:      "TORRENTINO_TMDB_API_KEY",
		},
		PostProcess: PostProcessConfig{Enabled: true},
	}
}

// Load reads the TOML file at path (if non-empty and present), layers
// environment variable overrides on top, and returns the result. A
// missing file is not an error — Default() is used as the base either
// way, matching the teacher's "file optional, defaults always present"
// loadFromFile/loadFromEnv split.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}
	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromEnv applies TORRENTINO_*-prefixed overrides, taking precedence
// over both defaults and the TOML file.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("TORRENTINO_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("TORRENTINO_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("TORRENTINO_API_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv("TORRENTINO_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TORRENTINO_AUTO_APPROVE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Orchestrator.AutoApproveThreshold = f
		}
	}
	if v := os.Getenv("TORRENTINO_MAX_CONCURRENT_DOWNLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxConcurrentDownloads = n
		}
	}
	if v := os.Getenv("TORRENTINO_MAX_PARALLEL_CONVERSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Processor.MaxParallelConversions = n
		}
	}
	if v := os.Getenv("TORRENTINO_MAX_PARALLEL_PLACEMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Processor.MaxParallelPlacements = n
		}
	}
	if v := os.Getenv("TORRENTINO_TORRENT_DATA_DIR"); v != "" {
		c.Torrent.DataDir = v
	}
	if v := os.Getenv("TORRENTINO_TEXTBRAIN_BACKEND"); v != "" {
		c.TextBrain.Backend = v
	}
}

// Validate checks invariants Load cannot express via defaults alone.
func (c Config) Validate() error {
	if c.Orchestrator.AutoApproveThreshold < 0 || c.Orchestrator.AutoApproveThreshold > 1 {
		return fmt.Errorf("config: orchestrator.auto_approve_threshold must be in [0,1], got %v", c.Orchestrator.AutoApproveThreshold)
	}
	if c.Processor.MaxParallelConversions < 1 {
		return fmt.Errorf("config: processor.max_parallel_conversions must be >= 1")
	}
	if c.Processor.MaxParallelPlacements < 1 {
		return fmt.Errorf("config: processor.max_parallel_placements must be >= 1")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}
