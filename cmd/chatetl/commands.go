package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmarkin/chatetl/internal/api"
	"github.com/dmarkin/chatetl/internal/checkpoint"
	"github.com/dmarkin/chatetl/internal/config"
	"github.com/dmarkin/chatetl/internal/export"
	"github.com/dmarkin/chatetl/internal/pipeline"
	"github.com/dmarkin/chatetl/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <archive>",
	Short: "Run the pipeline over an export archive",
	Long: `Run the full pipeline over an export archive.

The archive may be a plain JSON export or a TAR archive wrapping one.
Interrupted runs resume from the last committed batch when re-run
against the same file.

Examples:
  chatetl run ./export.tar
  chatetl run ./messages.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(cfg.Database.Path, cfg.Pool.MaxConns)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()

		pool := storage.NewPool(store, storage.PoolConfig{
			MaxConns:       cfg.Pool.MaxConns,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			MaxAge:         cfg.Pool.MaxAge,
			IdleTimeout:    cfg.Pool.IdleTimeout,
		})
		defer pool.Close()

		printStep("Processing %s", args[0])
		summary := pipeline.NewOrchestrator(cfg, store, pool).Run(ctx, args[0])

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
		} else {
			printSummary(summary)
		}

		if !summary.Success {
			return fmt.Errorf("run failed")
		}
		return nil
	},
}

func printSummary(s pipeline.RunSummary) {
	if s.Success {
		printSuccess("Run completed")
	} else {
		printError("Run failed")
	}
	if s.ExportID != "" {
		printStatus("Export", "%s", s.ExportID)
	}
	if s.Resumed {
		printStatus("Resumed", "yes")
	}
	var skipped int64
	for _, name := range []string{"extract", "transform", "load"} {
		ph, ok := s.Phases[name]
		if !ok {
			continue
		}
		skipped += ph.Skipped
		line := fmt.Sprintf("%s, %d processed", ph.Status, ph.Processed)
		if ph.Skipped > 0 {
			line += fmt.Sprintf(", %d skipped", ph.Skipped)
		}
		if ph.Retries > 0 {
			line += fmt.Sprintf(", %d retries", ph.Retries)
		}
		line += fmt.Sprintf(" (%s)", ph.Duration.Round(time.Millisecond))
		printStatus(name, "%s", line)
	}
	if skipped > 0 {
		printWarning("%d malformed records were skipped", skipped)
	}
	for _, e := range s.Errors {
		printError("[%s] %s: %s", e.Phase, e.Type, e.Message)
	}
}

func init() {
	runCmd.Flags().Bool("json", false, "print the run summary as JSON")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [archive]",
	Short: "Show saved checkpoints",
	Long: `Show saved checkpoints, newest first. With an archive argument only
checkpoints for that file are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		cp, err := checkpoint.NewStore(cfg.Pipeline.CheckpointDir)
		if err != nil {
			return err
		}

		var inputHash string
		if len(args) == 1 {
			inputHash, err = export.InputHash(args[0])
			if err != nil {
				return err
			}
		}

		records, err := cp.List(inputHash)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No checkpoints found.")
			return nil
		}

		for _, rec := range records {
			fmt.Printf("%s  %-10s  cursor=%-6d  processed=%-8d  %s\n",
				colorize(colorCyan, rec.InputHash[:16]),
				rec.Phase,
				rec.Cursor,
				rec.Processed,
				rec.UpdatedAt.Format(time.RFC3339),
			)
		}
		return nil
	},
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset <archive>",
	Short: "Discard checkpoints for an archive",
	Long: `Discard all saved checkpoints for the given archive so the next run
starts from scratch. Rows already loaded are left in place; re-running
overwrites them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		cp, err := checkpoint.NewStore(cfg.Pipeline.CheckpointDir)
		if err != nil {
			return err
		}

		inputHash, err := export.InputHash(args[0])
		if err != nil {
			return err
		}

		for _, phase := range []string{"extract", "transform", "load"} {
			if err := cp.Clear(inputHash, phase); err != nil {
				return err
			}
		}
		printSuccess("Checkpoints cleared for %s", args[0])
		return nil
	},
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize loaded exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Database.Path, cfg.Pool.MaxConns)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		exports, err := store.ListExports(ctx, limit)
		if err != nil {
			return err
		}
		if len(exports) == 0 {
			fmt.Println("No exports loaded.")
			return nil
		}

		for _, e := range exports {
			counts, err := store.CountRows(ctx, e.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, e.ID[:8]), e.SourceFile)
			printStatus("User", "%s", e.UserID)
			printStatus("Exported", "%s", e.ExportDate.Format(time.RFC3339))
			printStatus("Rows", "%d conversations, %d messages", counts.Conversations, counts.Messages)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().Int("limit", 20, "maximum number of exports to list")
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only report API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(cfg.Database.Path, cfg.Pool.MaxConns)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()

		handler := api.NewReportHandler(api.ReportDeps{
			Store: store,
			Token: cfg.Server.Token,
		})

		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
		srv := &http.Server{
			Addr:    addr,
			Handler: handler,
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		errCh := make(chan error, 1)
		go func() {
			printStep("Listening on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			printStep("Shutting down...")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
