package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"vaultdump/internal/app"
	"vaultdump/internal/checkpoint"
	"vaultdump/internal/config"
	"vaultdump/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vaultdump",
	Short: "Export a vault table to CSV",
	Long: `Exports every record of a vault table to a CSV file, fetching pages concurrently
while keeping the output in source order. Optionally dumps the tokens of each
record to a second CSV file written in lock-step with the first.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runExport,
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List the pages missing from a previous export",
	RunE:  runFailures,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "vaultdump", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	config.RegisterFlags(rootCmd.Flags())

	failuresCmd.Flags().String("ledger", config.Default().Export.Ledger, "Run ledger database file")
	failuresCmd.Flags().String("run", "", "Run ID (default is the latest run)")

	rootCmd.AddCommand(failuresCmd, versionCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	exporter, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, finishing in-flight pages...")
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err = exporter.Run(ctx)

	if closeErr := exporter.Close(); closeErr != nil {
		log.Error("Error closing exporter", zap.Error(closeErr))
	}

	return err
}

func runFailures(cmd *cobra.Command, args []string) error {
	ledgerPath, _ := cmd.Flags().GetString("ledger")
	runID, _ := cmd.Flags().GetString("run")

	if _, err := os.Stat(ledgerPath); err != nil {
		return fmt.Errorf("ledger %s: %w", ledgerPath, err)
	}

	store, err := checkpoint.NewSQLiteStore(ledgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := app.LoadFailures(store, runID)
	if err != nil {
		if errors.Is(err, app.ErrNoRuns) {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
			return nil
		}
		return err
	}

	out := cmd.OutOrStdout()
	run := report.Run
	fmt.Fprintf(out, "run %s  table %s  status %s  started %s\n",
		run.ID, run.Table, run.Status, run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "rows exported %d of %d, %d pages missing (%d rows)\n\n",
		run.RowsExported, run.TotalRecords, len(report.Pages), report.RowsMissing())

	if len(report.Pages) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAGE\tOFFSET\tLIMIT\tSTATUS\tATTEMPTS\tERROR")
	for _, p := range report.Pages {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%d\t%s\n", p.Index, p.Offset, p.Limit, p.Status, p.Attempts, p.LastError)
	}
	return w.Flush()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
