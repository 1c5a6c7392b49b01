package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/report"
	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

const (
	// DefaultQueueSize bounds the fetch queue so producers stall when the
	// writer falls behind
	DefaultQueueSize = 500

	// DefaultBatchSize is the number of row writes per transaction
	DefaultBatchSize = 200

	// DefaultCommitInterval forces a commit even if the batch is not full
	DefaultCommitInterval = 60 * time.Second
)

// Writer is the single consumer of the fetch queue. All database writes
// go through it, serialized into batched transactions. Checkpoint updates
// are applied only after the covering transaction commits.
type Writer struct {
	store          *store.Store
	ledger         *checkpoint.Ledger
	logger         *report.EventLogger
	force          bool
	batchSize      int
	commitInterval time.Duration

	queue chan Message
	done  chan error

	// batch state, touched only by the run goroutine
	tx             *sql.Tx
	pendingUnits   int
	pendingMarkets []pendingMarket
	pendingEnhance []string
	pendingStats   checkpoint.Stats
	batchStart     time.Time
}

type pendingMarket struct {
	country string
	postal  string
	index   int
}

// WriterConfig holds writer configuration
type WriterConfig struct {
	Store          *store.Store
	Ledger         *checkpoint.Ledger
	Logger         *report.EventLogger
	Force          bool
	QueueSize      int
	BatchSize      int
	CommitInterval time.Duration
}

// NewWriter creates a new storage writer
func NewWriter(cfg *WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}

	return &Writer{
		store:          cfg.Store,
		ledger:         cfg.Ledger,
		logger:         cfg.Logger,
		force:          cfg.Force,
		batchSize:      cfg.BatchSize,
		commitInterval: cfg.CommitInterval,
		queue:          make(chan Message, cfg.QueueSize),
		done:           make(chan error, 1),
	}
}

// Start launches the writer goroutine
func (w *Writer) Start() {
	go func() {
		w.done <- w.run()
	}()
}

// Enqueue submits a message to the writer. It blocks while the queue is
// full and fails if the context is cancelled or the writer has stopped.
func (w *Writer) Enqueue(ctx context.Context, msg Message) error {
	select {
	case w.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case err := <-w.done:
		w.done <- err
		if err != nil {
			return fmt.Errorf("writer stopped: %w", err)
		}
		return fmt.Errorf("writer stopped")
	}
}

// Flush commits the current partial batch and returns once every message
// enqueued before the call has been handled. Used as a barrier between
// the ingestion and enhancement phases.
func (w *Writer) Flush() error {
	reply := make(chan error, 1)

	select {
	case w.queue <- flushMessage(reply):
	case err := <-w.done:
		w.done <- err
		if err != nil {
			return fmt.Errorf("writer stopped: %w", err)
		}
		return fmt.Errorf("writer stopped")
	}

	select {
	case err := <-reply:
		return err
	case err := <-w.done:
		w.done <- err
		if err != nil {
			return fmt.Errorf("writer stopped: %w", err)
		}
		return fmt.Errorf("writer stopped")
	}
}

// Shutdown drains the queue, commits the final partial batch and stops
// the writer goroutine. The queue channel is never closed; shutdown is
// always signalled by message.
func (w *Writer) Shutdown() error {
	select {
	case w.queue <- shutdownMessage():
	case err := <-w.done:
		w.done <- err
		return err
	}

	err := <-w.done
	w.done <- err
	return err
}

func (w *Writer) run() error {
	ticker := time.NewTicker(w.commitInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-w.queue:
			stop, err := w.handle(msg)
			if err != nil {
				w.rollback()
				return err
			}
			if stop {
				return nil
			}
		case <-ticker.C:
			if w.pendingUnits > 0 && time.Since(w.batchStart) >= w.commitInterval {
				if err := w.commit(); err != nil {
					w.rollback()
					return err
				}
			}
		}
	}
}

// handle processes one message. The bool result is true once a shutdown
// message has been fully handled.
func (w *Writer) handle(msg Message) (bool, error) {
	switch msg.Kind {
	case KindMarketData:
		if err := w.writeMarket(&msg); err != nil {
			return false, err
		}
		if w.pendingUnits >= w.batchSize {
			return false, w.commit()
		}
		return false, nil

	case KindEnhancement:
		if err := w.writeEnhancement(msg.Station); err != nil {
			return false, err
		}
		if w.pendingUnits >= w.batchSize {
			return false, w.commit()
		}
		return false, nil

	case KindMarketError:
		// Failures bypass batching so a crash cannot lose them
		w.ledger.MarkMarketFailed(msg.Country, msg.Postal, msg.Err.Error())
		w.logger.LogMarketError(msg.Country, msg.Postal, msg.Err)
		return false, nil

	case kindFlush:
		err := w.commit()
		msg.reply <- err
		return false, err

	case kindShutdown:
		if err := w.drain(); err != nil {
			return true, err
		}
		return true, w.commit()

	default:
		return false, fmt.Errorf("unknown message kind %d", msg.Kind)
	}
}

// drain handles any messages still buffered in the queue without blocking
func (w *Writer) drain() error {
	for {
		select {
		case msg := <-w.queue:
			if msg.Kind == kindShutdown {
				continue
			}
			if _, err := w.handle(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (w *Writer) ensureTx() error {
	if w.tx != nil {
		return nil
	}

	tx, err := w.store.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	w.tx = tx
	w.batchStart = time.Now()
	return nil
}

func (w *Writer) writeMarket(msg *Message) error {
	if err := w.ensureTx(); err != nil {
		return err
	}

	bundle := msg.Bundle

	inserted, err := store.InsertMarket(w.tx, &bundle.Market)
	if err != nil {
		return fmt.Errorf("failed to insert market %s/%s: %w", msg.Country, msg.Postal, err)
	}
	w.pendingUnits++
	if inserted {
		w.pendingStats.Markets++
	}

	if w.force {
		if _, err := store.ClearMarketLineups(w.tx, msg.Country, msg.Postal); err != nil {
			return fmt.Errorf("failed to clear lineups for %s/%s: %w", msg.Country, msg.Postal, err)
		}
	}

	for i := range bundle.Lineups {
		inserted, err := store.InsertLineup(w.tx, &bundle.Lineups[i], w.force)
		if err != nil {
			return fmt.Errorf("failed to insert lineup %s: %w", bundle.Lineups[i].LineupID, err)
		}
		w.pendingUnits++
		if inserted {
			w.pendingStats.Lineups++
		}
	}

	for i := range bundle.Stations {
		inserted, err := store.InsertStation(w.tx, &bundle.Stations[i], w.force)
		if err != nil {
			return fmt.Errorf("failed to insert station %s: %w", bundle.Stations[i].StationID, err)
		}
		w.pendingUnits++
		if inserted {
			w.pendingStats.Stations++
		}
	}

	for i := range bundle.LineupMarkets {
		inserted, err := store.InsertLineupMarket(w.tx, &bundle.LineupMarkets[i], w.force)
		if err != nil {
			return fmt.Errorf("failed to insert lineup market: %w", err)
		}
		w.pendingUnits++
		if inserted {
			w.pendingStats.Relationships++
		}
	}

	for i := range bundle.StationLineups {
		inserted, err := store.InsertStationLineup(w.tx, &bundle.StationLineups[i], w.force)
		if err != nil {
			return fmt.Errorf("failed to insert station lineup: %w", err)
		}
		w.pendingUnits++
		if inserted {
			w.pendingStats.Relationships++
		}
	}

	w.pendingMarkets = append(w.pendingMarkets, pendingMarket{
		country: msg.Country,
		postal:  msg.Postal,
		index:   msg.Index,
	})

	return nil
}

func (w *Writer) writeEnhancement(st *store.Station) error {
	if err := w.ensureTx(); err != nil {
		return err
	}

	updated, err := store.UpdateStationEnhancement(w.tx, st)
	if err != nil {
		return fmt.Errorf("failed to enhance station %s: %w", st.StationID, err)
	}
	w.pendingUnits++
	if updated {
		w.pendingEnhance = append(w.pendingEnhance, st.StationID)
	}

	return nil
}

// commit finishes the current transaction and, only on success, folds the
// batch into the checkpoint ledger and persists it
func (w *Writer) commit() error {
	if w.tx == nil {
		return nil
	}

	units := w.pendingUnits
	start := w.batchStart

	if err := w.tx.Commit(); err != nil {
		w.tx = nil
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	w.tx = nil

	for _, m := range w.pendingMarkets {
		w.ledger.MarkMarketProcessed(m.country, m.postal, m.index)
	}
	for _, id := range w.pendingEnhance {
		w.ledger.MarkStationEnhanced(id)
	}
	w.ledger.UpdateStats(w.pendingStats)

	if err := w.ledger.Persist(); err != nil {
		util.WarnLog("Failed to persist checkpoint registry: %v", err)
	}

	w.logger.LogCommit(units, time.Since(start))
	util.DebugLog("Committed batch of %d writes", units)

	w.pendingUnits = 0
	w.pendingMarkets = w.pendingMarkets[:0]
	w.pendingEnhance = w.pendingEnhance[:0]
	w.pendingStats = checkpoint.Stats{}

	return nil
}

func (w *Writer) rollback() {
	if w.tx == nil {
		return
	}
	if err := w.tx.Rollback(); err != nil {
		util.WarnLog("Failed to roll back batch: %v", err)
	}
	w.tx = nil
	w.pendingUnits = 0
	w.pendingMarkets = w.pendingMarkets[:0]
	w.pendingEnhance = w.pendingEnhance[:0]
	w.pendingStats = checkpoint.Stats{}
}
