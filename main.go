package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foomo/confluence-export/confluence"
	"github.com/foomo/confluence-export/export"
)

func main() {
	var (
		flagURL      string
		flagSpace    string
		flagEmail    string
		flagToken    string
		flagOutput   string
		flagWorkers  int
		flagInterval time.Duration
		flagVerbose  bool
	)

	cmd := &cobra.Command{
		Use:          "confluence-export",
		Short:        "Export a Confluence space to a tree of Markdown files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagEmail == "" || flagToken == "" {
				return fmt.Errorf("email and token are required, set --email/--token or CONFLUENCE_EMAIL/CONFLUENCE_API_TOKEN")
			}
			if flagURL == "" {
				return fmt.Errorf("base URL is required, set --url or CONFLUENCE_URL")
			}

			logger, err := newLogger(flagVerbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := confluence.New(flagURL, flagSpace, flagEmail, flagToken, logger,
				confluence.WithRequestInterval(flagInterval),
			)
			exporter := export.New(client, export.Config{
				OutputDir: flagOutput,
				BaseURL:   flagURL,
				SpaceKey:  flagSpace,
				Workers:   flagWorkers,
			}, logger)

			summary, err := exporter.Run(ctx)
			if err != nil {
				return err
			}
			for _, r := range summary.Skipped() {
				logger.Warn("page not exported",
					zap.String("page", string(r.ID)),
					zap.String("title", r.Title),
					zap.Error(r.Err),
				)
			}
			fmt.Printf("exported %d pages (%d degraded, %d skipped) to %s\n",
				len(summary.Succeeded())+len(summary.Degraded()),
				len(summary.Degraded()),
				len(summary.Skipped()),
				flagOutput,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagURL, "url", os.Getenv("CONFLUENCE_URL"), "Confluence base URL (env: CONFLUENCE_URL)")
	cmd.Flags().StringVar(&flagSpace, "space", "", "space key to export")
	cmd.Flags().StringVar(&flagEmail, "email", os.Getenv("CONFLUENCE_EMAIL"), "auth email (env: CONFLUENCE_EMAIL)")
	cmd.Flags().StringVar(&flagToken, "token", os.Getenv("CONFLUENCE_API_TOKEN"), "API token (env: CONFLUENCE_API_TOKEN)")
	cmd.Flags().StringVar(&flagOutput, "output", "confluence_export", "output directory")
	cmd.Flags().IntVar(&flagWorkers, "workers", 4, "number of concurrent page workers")
	cmd.Flags().DurationVar(&flagInterval, "request-interval", 100*time.Millisecond, "minimum delay between requests to the source")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "console logging with debug output")
	_ = cmd.MarkFlagRequired("space")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
