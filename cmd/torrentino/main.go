// Command torrentino is the composition root: it loads configuration,
// wires every collaborator the orchestrator needs, starts the HTTP/
// websocket front end, and shuts everything down cleanly on signal.
// Grounded on the teacher's cmd/omnicloud/main.go startup/shutdown
// sequence (flag/env config, signal.Notify, ordered Shutdown calls),
// stripped of its self-upgrade re-exec dance and DCP/relay/scanner
// wiring, none of which this service's domain needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/api"
	"github.com/torrentino/torrentino/internal/api/wsstatus"
	"github.com/torrentino/torrentino/internal/audit"
	"github.com/torrentino/torrentino/internal/auditstore"
	"github.com/torrentino/torrentino/internal/catalogstore"
	"github.com/torrentino/torrentino/internal/config"
	"github.com/torrentino/torrentino/internal/externalcatalog"
	"github.com/torrentino/torrentino/internal/logging"
	"github.com/torrentino/torrentino/internal/orchestrator"
	"github.com/torrentino/torrentino/internal/placer"
	"github.com/torrentino/torrentino/internal/postprocess"
	"github.com/torrentino/torrentino/internal/processor"
	"github.com/torrentino/torrentino/internal/searcher"
	"github.com/torrentino/torrentino/internal/textbrain"
	"github.com/torrentino/torrentino/internal/ticketstore"
	"github.com/torrentino/torrentino/internal/torrentclient"
	"github.com/torrentino/torrentino/internal/transcoder"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "torrentino: config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "torrentino: config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    cfg.Logging.Console,
	})
	log := logging.New("main")
	log.Info().Str("version", Version).Msg("starting torrentino")

	tickets, closeTickets, err := openTicketStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ticket store")
	}
	defer closeTickets()

	auditStore, err := auditstore.OpenSQLite(sqliteSibling(cfg.Store.DSN, "audit"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit store")
	}
	defer auditStore.Close()

	catalog, err := catalogstore.OpenSQLite(sqliteSibling(cfg.Store.DSN, "catalog"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog store")
	}
	defer catalog.Close()

	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	auditHandle, auditWriter := audit.New(auditStore, 256, logging.New("audit"))
	go auditWriter.Run(auditCtx)

	torrentClient, err := newTorrentClient(cfg.Torrent, logging.New("torrentclient"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start torrent client")
	}

	comp := searcher.NewComposite(logging.New("searcher"))

	var matcher textbrain.Matcher = textbrain.NewHeuristic()
	var qb textbrain.QueryBuilder = textbrain.NewHeuristic()

	ffmpeg := transcoder.New("ffmpeg", "ffprobe", logging.New("transcoder"))
	fsPlacer := placer.New(logging.New("placer"))

	proc := processor.New(processor.Config{
		MaxParallelConversions: cfg.Processor.MaxParallelConversions,
		MaxParallelPlacements:  cfg.Processor.MaxParallelPlacements,
		ConversionTimeoutSecs:  cfg.Processor.ConversionTimeoutSecs,
		ProgressIntervalMS:     cfg.Processor.ProgressIntervalMS,
		CleanupAfterPlacement:  cfg.Processor.CleanupAfterPlacement,
		TempRoot:               cfg.Processor.TempRoot,
		Placer: placer.Options{
			PreferAtomicMoves: cfg.Placer.PreferAtomicMoves,
			VerifyChecksums:   cfg.Placer.VerifyChecksums,
			ChecksumAlgorithm: cfg.Placer.ChecksumAlgorithm,
			CreateParents:     cfg.Placer.CreateParents,
			DirectoryMode:     os.FileMode(cfg.Placer.DirectoryMode),
			Overwrite:         cfg.Placer.Overwrite,
			EnableRollback:    cfg.Placer.EnableRollback,
			CopyBufferBytes:   cfg.Placer.CopyBufferBytes,
		},
	}, ffmpeg, fsPlacer, auditHandle, logging.New("processor"))

	enricher := newEnricher(cfg.ExternalCatalog, logging.New("externalcatalog"))

	var post *postprocess.Processor
	if cfg.PostProcess.Enabled {
		post = postprocess.New(logging.New("postprocess"))
	}

	orch := orchestrator.New(orchestrator.Config{
		AcquisitionPollInterval: time.Duration(cfg.Orchestrator.AcquisitionPollIntervalMS) * time.Millisecond,
		DownloadPollInterval:    time.Duration(cfg.Orchestrator.DownloadPollIntervalMS) * time.Millisecond,
		AutoApproveThreshold:    cfg.Orchestrator.AutoApproveThreshold,
		MaxConcurrentDownloads:  cfg.Orchestrator.MaxConcurrentDownloads,
		StallThreshold:          time.Duration(cfg.Orchestrator.StallThresholdSecs) * time.Second,
		MaxCandidatesKept:       cfg.Orchestrator.MaxCandidatesKept,
		RetryMaxAttempts:        cfg.Processor.Retry.MaxAttempts,
		RetryInitialDelay:       time.Duration(cfg.Processor.Retry.InitialDelaySecs) * time.Second,
		RetryMaxDelay:           time.Duration(cfg.Processor.Retry.MaxDelaySecs) * time.Second,
		RetryBackoffMultiplier:  cfg.Processor.Retry.BackoffMultiplier,
	}, orchestrator.Deps{
		Tickets:       tickets,
		Audit:         auditHandle,
		Catalog:       catalog,
		Searcher:      comp,
		Torrent:       torrentClient,
		QueryBuilder:  qb,
		Matcher:       matcher,
		Enricher:      enricher,
		PostProcessor: post,
		Processor:     proc,
	}, logging.New("orchestrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Orchestrator.Enabled {
		if err := orch.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start orchestrator")
		}
	}

	hub := wsstatus.New(func() (interface{}, error) { return orch.Status() }, logging.New("wsstatus"))
	go hub.Run()

	server := api.NewServer(cfg.API.ListenAddr, api.Deps{
		Orchestrator: orch,
		Tickets:      tickets,
		Audit:        auditStore,
		Hub:          hub,
	}, logging.New("api"))

	serverErrs := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErrs:
		log.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown error")
	}

	if cfg.Orchestrator.Enabled {
		orch.Stop()
	}
	log.Info().Msg("torrentino stopped")
}

// openTicketStore selects the sqlite or postgres ticketstore.Store
// implementation per [store].driver (SPEC_FULL.md §B).
func openTicketStore(cfg config.StoreConfig) (ticketstore.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := ticketstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ticket store: %w", err)
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := ticketstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ticket store: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
}

// sqliteSibling derives a sibling database file name for the audit/catalog
// stores from the main store DSN, e.g. "torrentino.db" -> "torrentino.db.audit.db".
// Only meaningful for the sqlite driver; with postgres this still yields a
// usable on-disk path since audit/catalog remain sqlite-backed regardless
// of the ticket store's driver (see DESIGN.md).
func sqliteSibling(dsn, suffix string) string {
	if dsn == "" || dsn == ":memory:" {
		return ":memory:"
	}
	return dsn + "." + suffix + ".db"
}

func newTorrentClient(cfg config.TorrentConfig, log zerolog.Logger) (*torrentclient.AnacrolixClient, error) {
	tcfg := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		tcfg.DataDir = cfg.DataDir
	}
	if cfg.ListenPort != 0 {
		tcfg.ListenPort = cfg.ListenPort
	}
	lib, err := torrent.NewClient(tcfg)
	if err != nil {
		return nil, fmt.Errorf("torrentclient: %w", err)
	}
	return torrentclient.New(lib, log), nil
}

// newEnricher builds the optional external-catalog enricher
// (SPEC_FULL.md §D.3). Returns nil when neither backend is configured,
// which disables enrichment entirely without the orchestrator needing to
// know why.
func newEnricher(cfg config.ExternalCatalogConfig, log zerolog.Logger) externalcatalog.Enricher {
	if !cfg.MusicBrainzEnabled && !cfg.TMDBEnabled {
		return nil
	}
	c := &externalcatalog.Combined{Log: log}
	if cfg.MusicBrainzEnabled {
		c.MusicBrainz = externalcatalog.NewMusicBrainzClient()
	}
	if cfg.TMDBEnabled {
		apiKey := os.Getenv(cfg.TMDBAPIKeyEnv)
		c.TMDB = externalcatalog.NewTMDBClient(apiKey)
	}
	return c
}
