package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/drieger/lineup-harvester/internal/markets"
)

func testSource(hash string) *markets.Source {
	return &markets.Source{
		Path: "/tmp/markets.csv",
		Name: "markets.csv",
		Hash: hash,
		Size: 42,
		Entries: []markets.Entry{
			{Country: "USA", PostalCode: "10001"},
			{Country: "USA", PostalCode: "90001"},
		},
	}
}

func TestAttachCreatesEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ledger.Attach(testSource("abc123def456"), false)

	if !ledger.StartingFresh() {
		t.Error("expected a fresh checkpoint")
	}

	rec := ledger.Snapshot()
	if rec.Phase != PhaseIngestion {
		t.Errorf("expected phase %s, got %s", PhaseIngestion, rec.Phase)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("expected status %s, got %s", StatusInProgress, rec.Status)
	}
	if rec.LastMarketIndex != -1 {
		t.Errorf("expected last index -1, got %d", rec.LastMarketIndex)
	}
	if rec.SourceFile == nil || rec.SourceFile.TotalMarkets != 2 {
		t.Errorf("unexpected source file descriptor: %+v", rec.SourceFile)
	}
}

func TestMarkAndResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ledger.Attach(testSource("hash-one"), false)

	ledger.MarkMarketProcessed("USA", "10001", 0)
	ledger.MarkMarketProcessed("USA", "10001", 0) // idempotent
	ledger.MarkMarketFailed("USA", "90001", "HTTP 500")
	ledger.UpdateStats(Stats{Markets: 1, Lineups: 1, Stations: 2, Relationships: 2})
	ledger.MarkStationEnhanced("st-1")
	ledger.MarkStationEnhanced("st-1") // idempotent

	if err := ledger.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// Reload from disk as a new process would
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	reopened.Attach(testSource("hash-one"), false)

	if reopened.StartingFresh() {
		t.Fatal("expected to resume the in-progress checkpoint")
	}
	if !reopened.IsMarketProcessed("USA", "10001") {
		t.Error("expected USA/10001 to be processed after resume")
	}
	if reopened.IsMarketProcessed("USA", "90001") {
		t.Error("failed market must remain eligible for retry")
	}
	if !reopened.IsStationEnhanced("st-1") {
		t.Error("expected st-1 to stay enhanced after resume")
	}

	rec := reopened.Snapshot()
	if len(rec.ProcessedMarkets) != 1 {
		t.Errorf("expected 1 processed market, got %d", len(rec.ProcessedMarkets))
	}
	if len(rec.FailedMarkets) != 1 || rec.FailedMarkets[0].Market != "USA/90001" {
		t.Errorf("unexpected failed markets: %+v", rec.FailedMarkets)
	}
	if rec.Stats.Stations != 2 || rec.Stats.Enhanced != 1 {
		t.Errorf("unexpected stats: %+v", rec.Stats)
	}
}

func TestCompletedSourceStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ledger.Attach(testSource("done-hash"), false)
	ledger.MarkMarketProcessed("USA", "10001", 0)
	ledger.MarkCompleted()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	reopened.Attach(testSource("done-hash"), true)

	if !reopened.StartingFresh() {
		t.Error("completed checkpoint must start fresh on re-run")
	}
	if reopened.IsMarketProcessed("USA", "10001") {
		t.Error("fresh checkpoint must not inherit processed markets")
	}
}

func TestPersistIsAtomicAndValidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ledger.Attach(testSource("hash-a"), false)
	ledger.MarkMarketProcessed("USA", "10001", 0)

	if err := ledger.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// No stray temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be renamed away")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read registry: %v", err)
	}
	var reg map[string]any
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("registry is not valid JSON: %v", err)
	}
	if _, ok := reg["sources"]; !ok {
		t.Error("expected sources map in registry")
	}
}

func TestSyncWithStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ledger.Attach(testSource("hash-sync"), false)
	ledger.MarkMarketProcessed("USA", "10001", 0)

	// The store knows about a market committed just before a crash that
	// happened ahead of the ledger persist
	added := ledger.SyncWithStore(map[string]bool{
		"USA/10001": true,
		"USA/90001": true,
	})

	if added != 1 {
		t.Errorf("expected 1 synced market, got %d", added)
	}
	if !ledger.IsMarketProcessed("USA", "90001") {
		t.Error("expected synced market to be processed")
	}
}

func TestCorruptRegistryStartsOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open should tolerate a corrupt registry: %v", err)
	}
	ledger.Attach(testSource("hash-x"), false)
	if !ledger.StartingFresh() {
		t.Error("expected fresh checkpoint after corrupt registry")
	}
}

func TestArchiveWritesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ledger.Attach(testSource("hash-arch"), false)
	if err := ledger.Persist(); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	snapshot, err := ledger.Archive()
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if _, err := os.Stat(snapshot); err != nil {
		t.Errorf("expected snapshot file at %s: %v", snapshot, err)
	}
}
