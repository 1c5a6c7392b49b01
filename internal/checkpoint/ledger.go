package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/drieger/lineup-harvester/internal/markets"
	"github.com/drieger/lineup-harvester/internal/util"
)

const registryVersion = "1.0"

// Pipeline phases recorded in a checkpoint
const (
	PhaseIngestion   = "ingestion"
	PhaseEnhancement = "enhancement"
)

// Checkpoint statuses
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Stats holds running counters for one checkpoint record
type Stats struct {
	Markets       int `json:"total_markets"`
	Lineups       int `json:"total_lineups"`
	Stations      int `json:"total_stations"`
	Relationships int `json:"total_relationships"`
	Enhanced      int `json:"total_enhanced"`
}

// FailedMarket records one market fetch failure
type FailedMarket struct {
	Market    string    `json:"market"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceFile describes the market list a checkpoint belongs to.
// The hash is the identity; path and name are informational only.
type SourceFile struct {
	Path         string `json:"path"`
	Name         string `json:"filename"`
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	TotalMarkets int    `json:"total_markets"`
}

// Record is the durable progress state for one input source
type Record struct {
	ProcessedMarkets []string       `json:"processed_markets"`
	FailedMarkets    []FailedMarket `json:"failed_markets"`
	LastMarketIndex  int            `json:"last_market_index"`
	EnhancedStations []string       `json:"enhanced_stations"`
	Phase            string         `json:"phase"`
	Status           string         `json:"status"`
	Stats            Stats          `json:"stats"`
	StartedAt        time.Time      `json:"started_at"`
	LastUpdated      time.Time      `json:"last_updated"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ForceRefresh     bool           `json:"force_refresh"`
	SourceFile       *SourceFile    `json:"source_file,omitempty"`
}

// registry maps source-hash -> checkpoint record so multiple distinct
// input files can be tracked independently in one file
type registry struct {
	Version string             `json:"version"`
	Sources map[string]*Record `json:"sources"`
}

// Ledger is the durable, resumable checkpoint registry. The storage
// writer is the main mutator during a run, but every method is safe
// under concurrent callers.
//
// The ledger is advisory: the store itself is the source of truth, the
// ledger only prunes redundant re-fetches. Persist failures degrade
// resumability, never correctness.
type Ledger struct {
	path string

	mu            sync.Mutex
	registry      *registry
	hash          string
	rec           *Record
	processed     map[string]struct{}
	enhanced      map[string]struct{}
	startingFresh bool
}

// Open loads the checkpoint registry at path, creating an empty one in
// memory when the file is absent or unreadable
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		registry: &registry{Version: registryVersion, Sources: make(map[string]*Record)},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint registry: %w", err)
	}

	var reg registry
	if err := json.Unmarshal(data, &reg); err != nil {
		util.WarnLog("Invalid checkpoint registry %s, starting a new one", path)
		return l, nil
	}
	if reg.Sources == nil {
		reg.Sources = make(map[string]*Record)
	}
	reg.Version = registryVersion
	l.registry = &reg

	return l, nil
}

// Attach selects (or creates) the checkpoint record for the given
// source. A record in progress resumes; a completed record starts a
// fresh one, so a finished source can be safely re-run.
func (l *Ledger) Attach(src *markets.Source, forceRefresh bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hash = src.Hash

	if rec, ok := l.registry.Sources[src.Hash]; ok && rec.Status != StatusCompleted {
		util.InfoLog("Resuming %s: %d markets processed, phase %s",
			src.Name, len(rec.ProcessedMarkets), rec.Phase)
		l.rec = rec
		l.startingFresh = false
	} else {
		if ok {
			util.InfoLog("%s was already completed, starting fresh checkpoint", src.Name)
		} else {
			util.InfoLog("New market list %s (hash %.8s...)", src.Name, src.Hash)
		}
		l.rec = newRecord(src, forceRefresh)
		l.registry.Sources[src.Hash] = l.rec
		l.startingFresh = true
	}

	l.processed = make(map[string]struct{}, len(l.rec.ProcessedMarkets))
	for _, key := range l.rec.ProcessedMarkets {
		l.processed[key] = struct{}{}
	}
	l.enhanced = make(map[string]struct{}, len(l.rec.EnhancedStations))
	for _, id := range l.rec.EnhancedStations {
		l.enhanced[id] = struct{}{}
	}
}

func newRecord(src *markets.Source, forceRefresh bool) *Record {
	return &Record{
		ProcessedMarkets: []string{},
		FailedMarkets:    []FailedMarket{},
		LastMarketIndex:  -1,
		EnhancedStations: []string{},
		Phase:            PhaseIngestion,
		Status:           StatusInProgress,
		StartedAt:        time.Now().UTC(),
		ForceRefresh:     forceRefresh,
		SourceFile: &SourceFile{
			Path:         src.Path,
			Name:         src.Name,
			Hash:         src.Hash,
			Size:         src.Size,
			TotalMarkets: len(src.Entries),
		},
	}
}

// StartingFresh reports whether Attach created a new record rather than
// resuming an existing one
func (l *Ledger) StartingFresh() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startingFresh
}

// IsMarketProcessed reports whether a market's writes have already been
// durably committed in a previous batch or run
func (l *Ledger) IsMarketProcessed(country, postalCode string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[markets.MarketKey(country, postalCode)]
	return ok
}

// MarkMarketProcessed records a market as committed. Callers must only
// invoke this after the corresponding store transaction has committed.
func (l *Ledger) MarkMarketProcessed(country, postalCode string, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := markets.MarketKey(country, postalCode)
	if _, ok := l.processed[key]; !ok {
		l.processed[key] = struct{}{}
		l.rec.ProcessedMarkets = append(l.rec.ProcessedMarkets, key)
	}
	if index > l.rec.LastMarketIndex {
		l.rec.LastMarketIndex = index
	}
}

// MarkMarketFailed records a fetch failure and persists immediately:
// failures must not be lost if the process dies before the next batch
// boundary. The market stays eligible for retry on a future run.
func (l *Ledger) MarkMarketFailed(country, postalCode, reason string) {
	l.mu.Lock()
	l.rec.FailedMarkets = append(l.rec.FailedMarkets, FailedMarket{
		Market:    markets.MarketKey(country, postalCode),
		Error:     reason,
		Timestamp: time.Now().UTC(),
	})
	l.mu.Unlock()

	if err := l.Persist(); err != nil {
		util.WarnLog("Failed to persist checkpoint: %v", err)
	}
}

// MarkStationEnhanced records a station as enhanced (idempotent)
func (l *Ledger) MarkStationEnhanced(stationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.enhanced[stationID]; ok {
		return
	}
	l.enhanced[stationID] = struct{}{}
	l.rec.EnhancedStations = append(l.rec.EnhancedStations, stationID)
	l.rec.Stats.Enhanced = len(l.rec.EnhancedStations)
}

// IsStationEnhanced reports whether a station was already enhanced
// under this checkpoint
func (l *Ledger) IsStationEnhanced(stationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.enhanced[stationID]
	return ok
}

// UpdateStats adds a delta to the running counters
func (l *Ledger) UpdateStats(delta Stats) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rec.Stats.Markets += delta.Markets
	l.rec.Stats.Lineups += delta.Lineups
	l.rec.Stats.Stations += delta.Stations
	l.rec.Stats.Relationships += delta.Relationships
}

// SetPhase records the current pipeline phase so a crash mid-enhancement
// resumes enhancement rather than re-running ingestion
func (l *Ledger) SetPhase(phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.Phase = phase
}

// Phase returns the phase the attached checkpoint is in
func (l *Ledger) Phase() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.Phase
}

// MarkCompleted marks the attached record completed
func (l *Ledger) MarkCompleted() {
	l.mu.Lock()
	now := time.Now().UTC()
	l.rec.Status = StatusCompleted
	l.rec.CompletedAt = &now
	l.mu.Unlock()

	if err := l.Persist(); err != nil {
		util.WarnLog("Failed to persist checkpoint: %v", err)
	}
}

// SyncWithStore merges markets found in the store but missing from the
// checkpoint (e.g. after a crash between commit and persist). Returns
// the number of markets added.
func (l *Ledger) SyncWithStore(storeMarkets map[string]bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for key := range storeMarkets {
		if _, ok := l.processed[key]; !ok {
			l.processed[key] = struct{}{}
			l.rec.ProcessedMarkets = append(l.rec.ProcessedMarkets, key)
			added++
		}
	}
	return added
}

// Snapshot returns a copy of the attached record for reporting
func (l *Ledger) Snapshot() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyRecord(l.rec)
}

// Sources returns a copy of every record in the registry, keyed by
// source hash
func (l *Ledger) Sources() map[string]Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Record, len(l.registry.Sources))
	for hash, rec := range l.registry.Sources {
		out[hash] = copyRecord(rec)
	}
	return out
}

func copyRecord(rec *Record) Record {
	cp := *rec
	cp.ProcessedMarkets = append([]string(nil), rec.ProcessedMarkets...)
	cp.FailedMarkets = append([]FailedMarket(nil), rec.FailedMarkets...)
	cp.EnhancedStations = append([]string(nil), rec.EnhancedStations...)
	return cp
}

// Persist atomically writes the full registry to disk
// (write-temp-then-rename). Callers treat failures as non-fatal.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	if l.rec != nil {
		l.rec.LastUpdated = time.Now().UTC()
	}
	data, err := json.MarshalIndent(l.registry, "", "  ")
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to encode checkpoint registry: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint registry: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint registry: %w", err)
	}

	return nil
}

// Archive copies the registry to a timestamped snapshot next to it,
// returning the snapshot path
func (l *Ledger) Archive() (string, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "", fmt.Errorf("failed to read registry for archiving: %w", err)
	}

	stamp := time.Now().Format("20060102_150405")
	dir := filepath.Dir(l.path)
	snapshot := filepath.Join(dir, fmt.Sprintf("registry_snapshot_%s.json", stamp))

	if err := os.WriteFile(snapshot, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write registry snapshot: %w", err)
	}

	return snapshot, nil
}
