package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/guide"
	"github.com/drieger/lineup-harvester/internal/markets"
	"github.com/drieger/lineup-harvester/internal/report"
	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

const (
	// DefaultWorkers is the fetch worker pool size for market ingestion
	DefaultWorkers = 4

	// MaxWorkers caps the ingestion pool to stay polite to the guide API
	MaxWorkers = 10

	// EnhancementWorkers is the pool size for the enhancement phase, where
	// requests are small and independent
	EnhancementWorkers = 10
)

// Harvester orchestrates a full run: the ingestion phase fetching market
// lineups, then the enhancement phase upgrading station detail. Both
// phases share one Writer so all database writes stay serialized.
type Harvester struct {
	store           *store.Store
	ledger          *checkpoint.Ledger
	logger          *report.EventLogger
	baseURL         string
	workers         int
	force           bool
	skipEnhancement bool
	enhanceOnly     bool
}

// Config holds harvester configuration
type Config struct {
	Store           *store.Store
	Ledger          *checkpoint.Ledger
	Logger          *report.EventLogger
	BaseURL         string
	Workers         int
	Force           bool
	SkipEnhancement bool
	EnhanceOnly     bool
}

// New creates a new Harvester
func New(cfg *Config) *Harvester {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	return &Harvester{
		store:           cfg.Store,
		ledger:          cfg.Ledger,
		logger:          cfg.Logger,
		baseURL:         cfg.BaseURL,
		workers:         workers,
		force:           cfg.Force,
		skipEnhancement: cfg.SkipEnhancement,
		enhanceOnly:     cfg.EnhanceOnly,
	}
}

// Result represents the outcome of a run
type Result struct {
	MarketsProcessed int
	MarketsSkipped   int
	MarketsFailed    int
	StationsChecked  int
	StationsEnhanced int
	Duration         time.Duration
}

// Run executes the pipeline against the given markets source. It returns
// util.ErrInterrupted wrapped in the error when the context is cancelled
// mid-run; partial progress is committed and checkpointed either way.
func (h *Harvester) Run(ctx context.Context, src *markets.Source) (*Result, error) {
	start := time.Now()
	result := &Result{}

	writer := NewWriter(&WriterConfig{
		Store:  h.store,
		Ledger: h.ledger,
		Logger: h.logger,
		Force:  h.force,
	})
	writer.Start()

	var runErr error

	if !h.enhanceOnly {
		runErr = h.runIngestion(ctx, src, writer, result)
	}

	if runErr == nil && !h.skipEnhancement && ctx.Err() == nil {
		// Barrier: every ingestion write must be committed before the
		// enhancement candidates are read from the store
		if err := writer.Flush(); err != nil {
			writer.Shutdown()
			return result, err
		}
		runErr = h.runEnhancement(ctx, writer, result)
	}

	if err := writer.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}

	result.Duration = time.Since(start)

	if runErr != nil {
		return result, runErr
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("run stopped: %w", util.ErrInterrupted)
	}

	return result, h.finish(src)
}

func (h *Harvester) runIngestion(ctx context.Context, src *markets.Source, writer *Writer, result *Result) error {
	h.ledger.SetPhase(checkpoint.PhaseIngestion)
	h.logger.LogPhase(checkpoint.PhaseIngestion)

	total := len(src.Entries)
	pending := 0
	for _, e := range src.Entries {
		// Force refetches everything, including checkpointed markets
		if h.force || !h.ledger.IsMarketProcessed(e.Country, e.PostalCode) {
			pending++
		}
	}
	result.MarketsSkipped = total - pending

	if pending == 0 {
		util.InfoLog("All %d markets already processed", total)
		return nil
	}

	util.InfoLog("Ingesting %d markets with %d workers (%d already done)", pending, h.workers, total-pending)

	var processed atomic.Int64
	var failed atomic.Int64

	progressCtx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()
	go h.reportProgress(progressCtx, "Markets", int64(pending), &processed, &failed)

	// Workers pull the next entry index under a shared lock so resumed
	// runs keep the last_market_index in the checkpoint meaningful
	var indexMu sync.Mutex
	next := 0

	var wg sync.WaitGroup
	for i := 0; i < h.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := guide.NewClient(h.baseURL)

			for {
				if ctx.Err() != nil {
					return
				}

				indexMu.Lock()
				if next >= total {
					indexMu.Unlock()
					return
				}
				idx := next
				next++
				indexMu.Unlock()

				entry := src.Entries[idx]
				if !h.force && h.ledger.IsMarketProcessed(entry.Country, entry.PostalCode) {
					continue
				}

				fetchStart := time.Now()
				bundle, err := client.FetchMarket(ctx, entry.Country, entry.PostalCode)
				switch {
				case err == nil:
					msg := MarketMessage(entry.Country, entry.PostalCode, idx, bundle)
					if err := writer.Enqueue(ctx, msg); err != nil {
						return
					}
					h.logger.LogMarket(entry.Country, entry.PostalCode,
						len(bundle.Lineups), len(bundle.Stations), time.Since(fetchStart))
					processed.Add(1)

				case errors.Is(err, util.ErrNoLineups):
					// An empty payload counts as a fetch failure: the market
					// goes to failed_markets and stays eligible for retry
					util.WarnLog("No lineups for %s/%s", entry.Country, entry.PostalCode)
					if err := writer.Enqueue(ctx, ErrorMessage(entry.Country, entry.PostalCode, idx, err)); err != nil {
						return
					}
					failed.Add(1)

				case errors.Is(err, context.Canceled):
					return

				default:
					util.ErrorLog("Failed to fetch market %s/%s: %v", entry.Country, entry.PostalCode, err)
					if err := writer.Enqueue(ctx, ErrorMessage(entry.Country, entry.PostalCode, idx, err)); err != nil {
						return
					}
					failed.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	cancelProgress()

	result.MarketsProcessed = int(processed.Load())
	result.MarketsFailed = int(failed.Load())

	util.InfoLog("Ingestion phase done: %d processed, %d failed", result.MarketsProcessed, result.MarketsFailed)
	return nil
}

func (h *Harvester) runEnhancement(ctx context.Context, writer *Writer, result *Result) error {
	h.ledger.SetPhase(checkpoint.PhaseEnhancement)
	h.logger.LogPhase(checkpoint.PhaseEnhancement)
	if err := h.ledger.Persist(); err != nil {
		util.WarnLog("Failed to persist checkpoint registry: %v", err)
	}

	candidates, err := h.store.StationsToEnhance()
	if err != nil {
		return fmt.Errorf("failed to list enhancement candidates: %w", err)
	}

	// The store keeps stations at source=base until their upgrade commits,
	// the ledger additionally filters ones committed in earlier runs
	work := make([]store.StationRef, 0, len(candidates))
	for _, ref := range candidates {
		if !h.ledger.IsStationEnhanced(ref.StationID) {
			work = append(work, ref)
		}
	}

	if len(work) == 0 {
		util.InfoLog("No stations need enhancement")
		return nil
	}

	util.InfoLog("Enhancing %d stations with %d workers", len(work), EnhancementWorkers)

	var checked atomic.Int64
	var enhanced atomic.Int64

	progressCtx, cancelProgress := context.WithCancel(ctx)
	defer cancelProgress()
	go h.reportProgress(progressCtx, "Stations", int64(len(work)), &checked, nil)

	refs := make(chan store.StationRef, EnhancementWorkers*2)

	var wg sync.WaitGroup
	for i := 0; i < EnhancementWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := guide.NewClient(h.baseURL)

			for ref := range refs {
				if ctx.Err() != nil {
					return
				}

				st, err := client.FetchStationDetail(ctx, ref.StationID, ref.CallSign)
				checked.Add(1)

				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					util.WarnLog("Failed to enhance station %s: %v", ref.StationID, err)
					h.logger.LogError(report.EventEnhancement, ref.StationID, err)
					continue
				}
				if st == nil {
					// No enhanced record exists for this station
					h.logger.LogEnhancement(ref.StationID, false)
					continue
				}

				if err := writer.Enqueue(ctx, EnhancementMessage(st)); err != nil {
					return
				}
				h.logger.LogEnhancement(ref.StationID, true)
				enhanced.Add(1)
			}
		}()
	}

	for _, ref := range work {
		select {
		case <-ctx.Done():
			// Stop feeding, workers drain what is buffered and exit
		case refs <- ref:
			continue
		}
		break
	}
	close(refs)

	wg.Wait()
	cancelProgress()

	result.StationsChecked = int(checked.Load())
	result.StationsEnhanced = int(enhanced.Load())

	util.InfoLog("Enhancement phase done: %d checked, %d enhanced", result.StationsChecked, result.StationsEnhanced)
	return nil
}

// reportProgress renders a progress bar on a TTY and falls back to
// periodic log lines otherwise
func (h *Harvester) reportProgress(ctx context.Context, label string, total int64, done, failed *atomic.Int64) {
	var bar *progressbar.ProgressBar
	if util.ShowProgress() {
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription(label),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("req"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if bar != nil {
				bar.Finish()
			}
			return
		case <-ticker.C:
			d := done.Load()
			var f int64
			if failed != nil {
				f = failed.Load()
			}

			if bar != nil {
				if f > 0 {
					bar.Describe(fmt.Sprintf("%s | %d failed", label, f))
				}
				bar.Set64(d + f)
			} else if d+f > 0 {
				percentage := float64(d+f) / float64(total) * 100
				util.InfoLog("%s: %d/%d (%.1f%%), failed: %d", label, d+f, total, percentage, f)
			}
		}
	}
}

// finish runs the end-of-run bookkeeping after both phases committed:
// secondary indexes, database metadata, completed checkpoint status.
func (h *Harvester) finish(src *markets.Source) error {
	indexStart := time.Now()
	if err := h.store.CreateIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	h.logger.LogIndexes(time.Since(indexStart))
	util.InfoLog("Created secondary indexes in %s", time.Since(indexStart).Round(time.Millisecond))

	rec := h.ledger.Snapshot()
	stats, err := json.Marshal(rec.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode run stats: %w", err)
	}

	meta := map[string]string{
		"last_completed": time.Now().UTC().Format(time.RFC3339),
		"source_file":    src.Name,
		"source_hash":    src.Hash,
		"force_refresh":  fmt.Sprintf("%t", h.force),
		"run_stats":      string(stats),
	}
	for key, value := range meta {
		if err := h.store.SetMetadata(key, value); err != nil {
			return fmt.Errorf("failed to set metadata %s: %w", key, err)
		}
	}

	h.ledger.MarkCompleted()

	return nil
}
