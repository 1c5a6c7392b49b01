package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventMarket      EventType = "market"
	EventEnhancement EventType = "enhancement"
	EventCommit      EventType = "commit"
	EventPhase       EventType = "phase"
	EventIndex       EventType = "index"
	EventError       EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single event in the run
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	Country   string            `json:"country,omitempty"`
	Postal    string            `json:"postal,omitempty"`
	LineupID  string            `json:"lineup_id,omitempty"`
	StationID string            `json:"station_id,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Generate filename with timestamp
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("events-%s.jsonl", timestamp)
	path := filepath.Join(outputDir, filename)

	// Open file for writing
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	// Filter by minimum level
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil // Skip events below minimum level
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

// LogMarket logs a successfully ingested market
func (l *EventLogger) LogMarket(country, postal string, lineups, stations int, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventMarket,
		Country:  country,
		Postal:   postal,
		Duration: duration.Milliseconds(),
		Extra: map[string]string{
			"lineups":  fmt.Sprintf("%d", lineups),
			"stations": fmt.Sprintf("%d", stations),
		},
	})
}

// LogMarketError logs a failed market fetch
func (l *EventLogger) LogMarketError(country, postal string, err error) error {
	return l.Log(&Event{
		Level:   LevelError,
		Event:   EventError,
		Country: country,
		Postal:  postal,
		Error:   err.Error(),
	})
}

// LogEnhancement logs a station enhancement outcome
func (l *EventLogger) LogEnhancement(stationID string, updated bool) error {
	level := LevelDebug
	if updated {
		level = LevelInfo
	}

	return l.Log(&Event{
		Level:     level,
		Event:     EventEnhancement,
		StationID: stationID,
		Extra: map[string]string{
			"updated": fmt.Sprintf("%t", updated),
		},
	})
}

// LogCommit logs a batch commit
func (l *EventLogger) LogCommit(units int, duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelDebug,
		Event:    EventCommit,
		Duration: duration.Milliseconds(),
		Extra: map[string]string{
			"units": fmt.Sprintf("%d", units),
		},
	})
}

// LogPhase logs a phase transition
func (l *EventLogger) LogPhase(phase string) error {
	return l.Log(&Event{
		Level: LevelInfo,
		Event: EventPhase,
		Phase: phase,
	})
}

// LogIndexes logs index creation at the end of a run
func (l *EventLogger) LogIndexes(duration time.Duration) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventIndex,
		Duration: duration.Milliseconds(),
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, detail string, err error) error {
	return l.Log(&Event{
		Level: LevelError,
		Event: event,
		Error: err.Error(),
		Extra: map[string]string{
			"detail": detail,
		},
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
