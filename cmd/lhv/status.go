package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint and database status",
	Long: `Display the state of the checkpoint registry and the lineup database.

For each tracked markets file this shows the run phase, progress and
failure counts, followed by the table counts of the database.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	registryPath := viper.GetString("registry")
	dbPath := viper.GetString("db")

	ledger, err := checkpoint.Open(registryPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint registry: %w", err)
	}

	sources := ledger.Sources()
	if len(sources) == 0 {
		util.InfoLog("No runs tracked in %s", registryPath)
	} else {
		util.InfoLog("=== Checkpoint Registry: %s ===", registryPath)

		hashes := make([]string, 0, len(sources))
		for hash := range sources {
			hashes = append(hashes, hash)
		}
		sort.Strings(hashes)

		for _, hash := range hashes {
			rec := sources[hash]

			name := hash[:12]
			if rec.SourceFile != nil {
				name = rec.SourceFile.Name
			}

			util.InfoLog("")
			util.InfoLog("%s (hash %.12s)", name, hash)
			util.InfoLog("  Status: %s, phase: %s", rec.Status, rec.Phase)
			if rec.SourceFile != nil && rec.SourceFile.TotalMarkets > 0 {
				util.InfoLog("  Markets: %d/%d processed, %d failed",
					len(rec.ProcessedMarkets), rec.SourceFile.TotalMarkets, len(rec.FailedMarkets))
			} else {
				util.InfoLog("  Markets: %d processed, %d failed",
					len(rec.ProcessedMarkets), len(rec.FailedMarkets))
			}
			if len(rec.EnhancedStations) > 0 {
				util.InfoLog("  Stations enhanced: %s", humanize.Comma(int64(len(rec.EnhancedStations))))
			}
			util.InfoLog("  Started: %s", rec.StartedAt.Format(time.RFC3339))
			if rec.CompletedAt != nil {
				util.InfoLog("  Completed: %s", rec.CompletedAt.Format(time.RFC3339))
			} else {
				util.InfoLog("  Last update: %s", rec.LastUpdated.Format(time.RFC3339))
			}
		}
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		util.InfoLog("")
		util.InfoLog("Database %s does not exist yet", dbPath)
		return nil
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	counts, err := db.TableCounts()
	if err != nil {
		return fmt.Errorf("failed to count tables: %w", err)
	}

	util.InfoLog("")
	util.InfoLog("=== Database: %s ===", dbPath)
	for _, table := range []string{"markets", "lineups", "stations", "station_lineups", "lineup_markets"} {
		util.InfoLog("  %-16s %s", table, humanize.Comma(int64(counts[table])))
	}

	enhanced, err := db.CountStationsBySource(store.SourceEnhanced)
	if err == nil {
		base, _ := db.CountStationsBySource(store.SourceBase)
		util.InfoLog("  %-16s %s enhanced, %s base", "station detail", humanize.Comma(int64(enhanced)), humanize.Comma(int64(base)))
	}

	return nil
}
