package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/report"
	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

// fakeGuideServer serves one healthy market (USA/10001), one failing
// market (USA/90001), one empty market (USA/00000) and station detail
// for call sign WNBC
func fakeGuideServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/tms/lineups/USA/10001", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"lineupId": "USA-NY31586-X", "name": "Spectrum New York", "location": "New York", "type": "CABLE",
			 "mso": {"id": "mso-1", "name": "Charter"}}
		]`))
	})

	mux.HandleFunc("/tms/lineups/USA/90001", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	mux.HandleFunc("/tms/lineups/USA/00000", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	mux.HandleFunc("/dvr/guide/stations/USA-NY31586-X", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"stationId": "10021", "callSign": "WNBC", "channel": "4",
			 "videoQuality": {"signalType": "Digital", "videoType": "HDTV", "truResolution": "1080i"}},
			{"stationId": "19631", "channel": "98.3"}
		]`))
	})

	mux.HandleFunc("/tms/stations/WNBC", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"stationId": "99999", "callSign": "WNBC", "name": "WNBC West", "type": "fullpowerbroadcast"},
			{"stationId": "10021", "callSign": "WNBC", "name": "WNBC", "type": "fullpowerbroadcast",
			 "bcastLangs": ["en"]}
		]`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runHarvester(t *testing.T, cfg *Config, csv string) (*Result, error) {
	t.Helper()

	src := testSource(t, csv)
	cfg.Ledger.Attach(src, cfg.Force)

	h := New(cfg)
	return h.Run(context.Background(), src)
}

func TestHarvester_Run(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)

	ledger, err := checkpoint.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}

	result, err := runHarvester(t, &Config{
		Store:   db,
		Ledger:  ledger,
		Logger:  report.NullLogger(),
		BaseURL: srv.URL,
		Workers: 2,
	}, "USA,10001\nUSA,90001\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.MarketsProcessed != 1 {
		t.Errorf("Expected 1 processed market, got %d", result.MarketsProcessed)
	}
	if result.MarketsFailed != 1 {
		t.Errorf("Expected 1 failed market, got %d", result.MarketsFailed)
	}

	counts, err := db.TableCounts()
	if err != nil {
		t.Fatalf("TableCounts failed: %v", err)
	}
	want := map[string]int{
		"markets":         1,
		"lineups":         1,
		"stations":        2,
		"station_lineups": 2,
		"lineup_markets":  1,
	}
	for table, n := range want {
		if counts[table] != n {
			t.Errorf("Expected %d rows in %s, got %d", n, table, counts[table])
		}
	}

	// WNBC has an exact detail match and gets enhanced, the station
	// without a call sign stays at base
	if result.StationsEnhanced != 1 {
		t.Errorf("Expected 1 enhanced station, got %d", result.StationsEnhanced)
	}
	st, err := db.GetStation("10021")
	if err != nil {
		t.Fatalf("GetStation failed: %v", err)
	}
	if st.Source != store.SourceEnhanced {
		t.Errorf("Expected station 10021 enhanced, got source %q", st.Source)
	}
	if st.Name != "WNBC" {
		t.Errorf("Expected enhanced name WNBC, got %q", st.Name)
	}
	st, err = db.GetStation("19631")
	if err != nil {
		t.Fatalf("GetStation failed: %v", err)
	}
	if st.Source != store.SourceBase {
		t.Errorf("Expected station 19631 to stay base, got source %q", st.Source)
	}

	// Checkpoint finishes completed with the failure on record
	rec := ledger.Snapshot()
	if rec.Status != checkpoint.StatusCompleted {
		t.Errorf("Expected status completed, got %q", rec.Status)
	}
	if len(rec.FailedMarkets) != 1 || rec.FailedMarkets[0].Market != "USA/90001" {
		t.Errorf("Unexpected failed markets: %+v", rec.FailedMarkets)
	}

	// Secondary indexes exist after a clean finish
	var indexes int
	row := db.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_%'`)
	if err := row.Scan(&indexes); err != nil {
		t.Fatalf("Failed to count indexes: %v", err)
	}
	if indexes == 0 {
		t.Error("Expected secondary indexes after a completed run")
	}
}

func TestHarvester_SecondRunSkipsProcessed(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)
	registryPath := filepath.Join(t.TempDir(), "registry.json")
	csv := "USA,10001\n"

	ledger, err := checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	if _, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
	}, csv); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	countsBefore, _ := db.TableCounts()

	// Fresh ledger instance over the same registry file, as after a
	// process restart. The first run completed, so the source starts a
	// fresh record and the store itself provides idempotence.
	ledger, err = checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Reopen ledger failed: %v", err)
	}
	result, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
	}, csv)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	countsAfter, _ := db.TableCounts()
	for table, n := range countsBefore {
		if countsAfter[table] != n {
			t.Errorf("Table %s changed on rerun: %d -> %d", table, n, countsAfter[table])
		}
	}

	if result.MarketsProcessed != 1 {
		t.Errorf("Expected market refetched on completed-run restart, got %d processed", result.MarketsProcessed)
	}
}

func TestHarvester_ResumeSkipsCheckpointedMarkets(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)
	registryPath := filepath.Join(t.TempDir(), "registry.json")
	csv := "USA,10001\n"

	src := testSource(t, csv)

	// Simulate an interrupted run: the market committed and checkpointed
	// but the run never completed
	ledger, err := checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	ledger.Attach(src, false)
	ledger.MarkMarketProcessed("USA", "10001", 0)
	if err := ledger.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	ledger, err = checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Reopen ledger failed: %v", err)
	}
	ledger.Attach(src, false)
	if ledger.StartingFresh() {
		t.Fatal("Expected resume of the in-progress record")
	}

	h := New(&Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
	})
	result, err := h.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.MarketsSkipped != 1 {
		t.Errorf("Expected 1 skipped market on resume, got %d", result.MarketsSkipped)
	}
	if result.MarketsProcessed != 0 {
		t.Errorf("Expected 0 fetched markets on resume, got %d", result.MarketsProcessed)
	}
}

func TestHarvester_ForceRefreshReplacesLineups(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)

	// Stale state from an earlier run with a different lineup
	if _, err := store.InsertMarket(db.DB(), &store.Market{Country: "USA", PostalCode: "10001"}); err != nil {
		t.Fatalf("InsertMarket failed: %v", err)
	}
	if _, err := store.InsertLineup(db.DB(), &store.Lineup{LineupID: "OLD-LINEUP", Name: "Gone Cable"}, false); err != nil {
		t.Fatalf("InsertLineup failed: %v", err)
	}
	if _, err := store.InsertLineupMarket(db.DB(), &store.LineupMarket{
		LineupID: "OLD-LINEUP", Country: "USA", PostalCode: "10001",
	}, false); err != nil {
		t.Fatalf("InsertLineupMarket failed: %v", err)
	}

	// An interrupted earlier run already checkpointed the market; force
	// must refetch it anyway
	ledger, err := checkpoint.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	src := testSource(t, "USA,10001\n")
	ledger.Attach(src, false)
	ledger.MarkMarketProcessed("USA", "10001", 0)
	if err := ledger.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	result, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
		Force: true, SkipEnhancement: true,
	}, "USA,10001\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.MarketsSkipped != 0 {
		t.Errorf("Force run must not skip checkpointed markets, skipped %d", result.MarketsSkipped)
	}
	if result.MarketsProcessed != 1 {
		t.Errorf("Expected the checkpointed market refetched under force, got %d", result.MarketsProcessed)
	}

	ids, err := db.MarketLineupIDs("USA", "10001")
	if err != nil {
		t.Fatalf("MarketLineupIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "USA-NY31586-X" {
		t.Errorf("Expected only the refreshed lineup mapped, got %v", ids)
	}
}

func TestHarvester_EmptyMarketIsFailure(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)

	ledger, err := checkpoint.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}

	result, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
	}, "USA,00000\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.MarketsProcessed != 0 {
		t.Errorf("Expected no processed markets, got %d", result.MarketsProcessed)
	}
	if result.MarketsFailed != 1 {
		t.Errorf("Expected 1 failed market, got %d", result.MarketsFailed)
	}

	// The market stays eligible for retry on a later run
	if ledger.IsMarketProcessed("USA", "00000") {
		t.Error("Empty market must not be marked processed")
	}
	rec := ledger.Snapshot()
	if len(rec.FailedMarkets) != 1 || rec.FailedMarkets[0].Market != "USA/00000" {
		t.Errorf("Unexpected failed markets: %+v", rec.FailedMarkets)
	}

	counts, err := db.TableCounts()
	if err != nil {
		t.Fatalf("TableCounts failed: %v", err)
	}
	if counts["markets"] != 0 {
		t.Errorf("Expected no market rows, got %d", counts["markets"])
	}
}

func TestHarvester_SkipEnhancement(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)

	ledger, err := checkpoint.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}

	result, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
		SkipEnhancement: true,
	}, "USA,10001\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.StationsChecked != 0 {
		t.Errorf("Expected no enhancement lookups, got %d", result.StationsChecked)
	}
	n, err := db.CountStationsBySource(store.SourceEnhanced)
	if err != nil {
		t.Fatalf("CountStationsBySource failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 enhanced stations, got %d", n)
	}
}

func TestHarvester_EnhanceOnly(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)
	registryPath := filepath.Join(t.TempDir(), "registry.json")
	csv := "USA,10001\n"

	// Ingest without enhancement first
	ledger, err := checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	if _, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
		SkipEnhancement: true,
	}, csv); err != nil {
		t.Fatalf("Ingestion run failed: %v", err)
	}

	// Enhancement-only pass over the existing database
	ledger, err = checkpoint.Open(registryPath)
	if err != nil {
		t.Fatalf("Reopen ledger failed: %v", err)
	}
	result, err := runHarvester(t, &Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
		EnhanceOnly: true,
	}, csv)
	if err != nil {
		t.Fatalf("Enhance-only run failed: %v", err)
	}

	if result.MarketsProcessed != 0 {
		t.Errorf("Enhance-only run fetched %d markets", result.MarketsProcessed)
	}
	if result.StationsEnhanced != 1 {
		t.Errorf("Expected 1 enhanced station, got %d", result.StationsEnhanced)
	}
}

func TestHarvester_CancelledContext(t *testing.T) {
	srv := fakeGuideServer(t)
	db := openPipelineStore(t)

	ledger, err := checkpoint.Open(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}

	src := testSource(t, "USA,10001\n")
	ledger.Attach(src, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := New(&Config{
		Store: db, Ledger: ledger, Logger: report.NullLogger(), BaseURL: srv.URL,
	})
	_, err = h.Run(ctx, src)
	if !errors.Is(err, util.ErrInterrupted) {
		t.Errorf("Expected ErrInterrupted, got %v", err)
	}

	rec := ledger.Snapshot()
	if rec.Status == checkpoint.StatusCompleted {
		t.Error("Interrupted run must not be marked completed")
	}
}

func TestNewClampsWorkers(t *testing.T) {
	h := New(&Config{Workers: 100})
	if h.workers != MaxWorkers {
		t.Errorf("Expected workers clamped to %d, got %d", MaxWorkers, h.workers)
	}

	h = New(&Config{Workers: 0})
	if h.workers != DefaultWorkers {
		t.Errorf("Expected default %d workers, got %d", DefaultWorkers, h.workers)
	}
}
