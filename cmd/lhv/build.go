package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drieger/lineup-harvester/internal/checkpoint"
	"github.com/drieger/lineup-harvester/internal/guide"
	"github.com/drieger/lineup-harvester/internal/markets"
	"github.com/drieger/lineup-harvester/internal/pipeline"
	"github.com/drieger/lineup-harvester/internal/report"
	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

var buildCmd = &cobra.Command{
	Use:   "build <markets-file>",
	Short: "Fetch lineups and stations for the given markets",
	Long: `Fetch lineup and station data for every market in the given CSV file
and write it to the lineup database.

The run happens in two phases:
1. Ingestion: Markets are fetched concurrently, lineups and their
   stations are written in batched transactions
2. Enhancement: Stations are upgraded with full detail records looked
   up by call sign

Progress is checkpointed per input file (keyed by content hash), so an
interrupted run picks up where it stopped. A completed run starts over
from scratch; use --force to also overwrite existing rows.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().Bool("force", false, "refetch all markets and overwrite existing rows")
	buildCmd.Flags().Bool("skip-enhancement", false, "stop after the ingestion phase")
	buildCmd.Flags().Bool("enhance-only", false, "only run the enhancement phase against the existing database")
	buildCmd.Flags().IntP("workers", "w", pipeline.DefaultWorkers, "number of concurrent fetch workers")
	buildCmd.Flags().String("base-url", guide.DefaultBaseURL, "guide API base URL")
	buildCmd.Flags().Bool("no-archive", false, "skip archiving the checkpoint registry on completion")
}

func runBuild(cmd *cobra.Command, args []string) error {
	marketsPath := args[0]

	force, _ := cmd.Flags().GetBool("force")
	skipEnhancement, _ := cmd.Flags().GetBool("skip-enhancement")
	enhanceOnly, _ := cmd.Flags().GetBool("enhance-only")

	workers, _ := cmd.Flags().GetInt("workers")
	if !cmd.Flags().Changed("workers") {
		workers = GetConfigInt("workers", pipeline.DefaultWorkers)
	}

	noArchive, _ := cmd.Flags().GetBool("no-archive")
	if !cmd.Flags().Changed("no-archive") {
		noArchive = GetConfigBool("no-archive")
	}

	if skipEnhancement && enhanceOnly {
		return fmt.Errorf("--skip-enhancement and --enhance-only are mutually exclusive")
	}

	baseURL, _ := cmd.Flags().GetString("base-url")
	if !cmd.Flags().Changed("base-url") {
		baseURL = GetConfigString("base-url", guide.DefaultBaseURL)
	}

	dbPath := viper.GetString("db")
	registryPath := viper.GetString("registry")

	util.SetVerbose(viper.GetBool("verbose"))
	util.SetQuiet(viper.GetBool("quiet"))

	// Load the markets file and hash its content
	src, err := markets.Load(marketsPath)
	if err != nil {
		return fmt.Errorf("failed to load markets file: %w", err)
	}
	if len(src.Entries) == 0 {
		return fmt.Errorf("no markets found in %s: %w", marketsPath, util.ErrInvalidInput)
	}

	util.InfoLog("Markets file: %s (%s markets, hash %.12s)",
		src.Name, humanize.Comma(int64(len(src.Entries))), src.Hash)

	// Open the checkpoint registry and attach this source
	ledger, err := checkpoint.Open(registryPath)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint registry: %w", err)
	}
	ledger.Attach(src, force)

	if ledger.StartingFresh() {
		util.InfoLog("Starting fresh run")
	} else {
		util.InfoLog("Resuming %s phase", ledger.Phase())
	}

	util.InfoLog("Opening database: %s", dbPath)
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Recover markets committed to the store but missing from the
	// checkpoint, e.g. after a crash between commit and persist
	if !ledger.StartingFresh() && !force {
		stored, err := db.ProcessedMarkets()
		if err != nil {
			return fmt.Errorf("failed to read processed markets: %w", err)
		}
		if added := ledger.SyncWithStore(stored); added > 0 {
			util.InfoLog("Recovered %d markets from the database into the checkpoint", added)
		}
	}

	// Create event logger with appropriate log level
	logLevel := report.LevelInfo
	if viper.GetBool("quiet") {
		logLevel = report.LevelWarning
	} else if viper.GetBool("verbose") {
		logLevel = report.LevelDebug
	}

	logger, err := report.NewEventLogger("artifacts", logLevel)
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		logger = report.NullLogger()
	}
	defer logger.Close()

	if logger.Path() != "" {
		util.InfoLog("Event log: %s", logger.Path())
	}

	// First interrupt stops the run gracefully, a second one forces exit
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		util.WarnLog("Interrupt received, finishing current batch (press again to force exit)")
		cancel()
		<-sigCh
		util.ErrorLog("Forced exit")
		os.Exit(130)
	}()

	harvester := pipeline.New(&pipeline.Config{
		Store:           db,
		Ledger:          ledger,
		Logger:          logger,
		BaseURL:         baseURL,
		Workers:         workers,
		Force:           force,
		SkipEnhancement: skipEnhancement,
		EnhanceOnly:     enhanceOnly,
	})

	start := time.Now()
	result, err := harvester.Run(ctx, src)
	if err != nil {
		if errors.Is(err, util.ErrInterrupted) {
			// A graceful stop is a normal outcome: progress is committed
			// and a rerun resumes from the checkpoint
			util.WarnLog("Run interrupted after %v, progress checkpointed", time.Since(start).Round(time.Second))
			util.InfoLog("Rerun the same command to resume")
			return nil
		}
		return fmt.Errorf("run failed: %w", err)
	}

	util.SuccessLog("Run complete in %v", result.Duration.Round(time.Second))

	rec := ledger.Snapshot()
	summary, err := report.GenerateSummaryReport(db, &rec)
	if err != nil {
		util.WarnLog("Failed to build summary: %v", err)
	} else {
		summary.Duration = result.Duration
		summary.DatabasePath = dbPath
		summary.EventLogPath = logger.Path()
		report.PrintSummary(summary)
	}

	if !noArchive {
		if path, err := ledger.Archive(); err != nil {
			util.WarnLog("Failed to archive checkpoint registry: %v", err)
		} else {
			util.InfoLog("Checkpoint registry archived: %s", path)
		}
	}

	return nil
}
