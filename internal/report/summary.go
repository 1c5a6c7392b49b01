package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/store"
)

// SummaryReport represents a complete run summary
type SummaryReport struct {
	GeneratedAt time.Time
	Duration    time.Duration

	// Ingestion statistics
	MarketsProcessed int
	MarketsFailed    int
	Lineups          int
	Stations         int
	Relationships    int

	// Enhancement statistics
	StationsEnhanced int
	StationsBase     int

	// Details
	FailedMarkets []checkpoint.FailedMarket
	TableCounts   map[string]int

	// Metadata
	SourcePath   string
	DatabasePath string
	EventLogPath string
}

// GenerateSummaryReport builds a summary report from the database and the
// checkpoint record of the finished run.
func GenerateSummaryReport(db *store.Store, rec *checkpoint.Record) (*SummaryReport, error) {
	report := &SummaryReport{
		GeneratedAt:   time.Now(),
		FailedMarkets: make([]checkpoint.FailedMarket, 0),
		TableCounts:   make(map[string]int),
	}

	counts, err := db.TableCounts()
	if err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}
	report.TableCounts = counts

	report.StationsEnhanced, _ = db.CountStationsBySource(store.SourceEnhanced)
	report.StationsBase, _ = db.CountStationsBySource(store.SourceBase)

	if rec != nil {
		report.MarketsProcessed = len(rec.ProcessedMarkets)
		report.MarketsFailed = len(rec.FailedMarkets)
		report.Lineups = rec.Stats.Lineups
		report.Stations = rec.Stats.Stations
		report.Relationships = rec.Stats.Relationships
		report.FailedMarkets = append(report.FailedMarkets, rec.FailedMarkets...)
		if rec.SourceFile != nil {
			report.SourcePath = rec.SourceFile.Path
		}
	}

	return report, nil
}

// PrintSummary writes a human readable run summary to stderr.
func PrintSummary(report *SummaryReport) {
	var b strings.Builder

	b.WriteString("\nRun summary\n")
	b.WriteString(fmt.Sprintf("  Markets processed:  %s\n", humanize.Comma(int64(report.MarketsProcessed))))
	if report.MarketsFailed > 0 {
		b.WriteString(fmt.Sprintf("  Markets failed:     %s\n", humanize.Comma(int64(report.MarketsFailed))))
	}
	b.WriteString(fmt.Sprintf("  Lineups:            %s\n", humanize.Comma(int64(report.TableCounts["lineups"]))))
	b.WriteString(fmt.Sprintf("  Stations:           %s\n", humanize.Comma(int64(report.TableCounts["stations"]))))
	b.WriteString(fmt.Sprintf("  Station lineups:    %s\n", humanize.Comma(int64(report.TableCounts["station_lineups"]))))
	b.WriteString(fmt.Sprintf("  Lineup markets:     %s\n", humanize.Comma(int64(report.TableCounts["lineup_markets"]))))
	b.WriteString(fmt.Sprintf("  Stations enhanced:  %s\n", humanize.Comma(int64(report.StationsEnhanced))))
	if report.StationsBase > 0 {
		b.WriteString(fmt.Sprintf("  Stations base only: %s\n", humanize.Comma(int64(report.StationsBase))))
	}
	if report.Duration > 0 {
		b.WriteString(fmt.Sprintf("  Duration:           %s\n", report.Duration.Round(time.Second)))
	}

	if len(report.FailedMarkets) > 0 {
		b.WriteString("\nFailed markets:\n")
		for _, fm := range report.FailedMarkets {
			b.WriteString(fmt.Sprintf("  %s: %s\n", fm.Market, fm.Error))
		}
	}

	fmt.Fprint(os.Stderr, b.String())
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	// Create output directory
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder

	md.WriteString("# Lineup Harvester - Run Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))

	if report.SourcePath != "" {
		md.WriteString(fmt.Sprintf("**Markets file:** `%s`\n\n", report.SourcePath))
	}
	if report.DatabasePath != "" {
		md.WriteString(fmt.Sprintf("**Database:** `%s`\n\n", report.DatabasePath))
	}
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}

	md.WriteString("---\n\n")

	md.WriteString("## Ingestion\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Markets Processed | %s |\n", humanize.Comma(int64(report.MarketsProcessed))))
	if report.MarketsFailed > 0 {
		md.WriteString(fmt.Sprintf("| Markets Failed | %s |\n", humanize.Comma(int64(report.MarketsFailed))))
	}
	md.WriteString(fmt.Sprintf("| Lineups | %s |\n", humanize.Comma(int64(report.TableCounts["lineups"]))))
	md.WriteString(fmt.Sprintf("| Stations | %s |\n", humanize.Comma(int64(report.TableCounts["stations"]))))
	md.WriteString(fmt.Sprintf("| Station Lineups | %s |\n", humanize.Comma(int64(report.TableCounts["station_lineups"]))))
	md.WriteString(fmt.Sprintf("| Lineup Markets | %s |\n", humanize.Comma(int64(report.TableCounts["lineup_markets"]))))
	md.WriteString("\n")

	md.WriteString("## Enhancement\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Stations Enhanced | %s |\n", humanize.Comma(int64(report.StationsEnhanced))))
	md.WriteString(fmt.Sprintf("| Stations Base Only | %s |\n", humanize.Comma(int64(report.StationsBase))))
	md.WriteString("\n")

	if len(report.FailedMarkets) > 0 {
		md.WriteString("## Failed Markets\n\n")
		md.WriteString("| Market | Error |\n")
		md.WriteString("|--------|-------|\n")
		for _, fm := range report.FailedMarkets {
			md.WriteString(fmt.Sprintf("| %s | %s |\n", fm.Market, fm.Error))
		}
		md.WriteString("\n")
	}

	if report.Duration > 0 {
		md.WriteString(fmt.Sprintf("**Duration:** %s\n", report.Duration.Round(time.Second)))
	}

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	return nil
}
