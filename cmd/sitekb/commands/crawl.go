package commands

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/browser"
	"github.com/lhoofs/sitekb/internal/crawl"
	"github.com/lhoofs/sitekb/internal/ingest"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/metrics"
	"github.com/lhoofs/sitekb/internal/store"
)

// NewCrawlCmd constructs the `sitekb crawl` command, which creates a scrape
// job and runs URL discovery for it.
func NewCrawlCmd() *cobra.Command {
	var kbID string
	var baseURL string
	var maxPages int
	var userID string

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discover content pages on a website",
		Long: `Create a scrape job and crawl the same-origin link graph from the base URL.

Each page is rendered in a headless browser so client-side navigation is
visible; candidate links pass a content classifier before entering the
frontier. When discovery finishes the job moves to PENDING and its discovered
URLs can be selected for ingestion with 'sitekb ingest'.

Required environment variables: none — the browser is downloaded on demand.
Useful overrides:
  BROWSER_MAX_PAGES    Concurrent browser tabs (default: 5)
  CRAWLER_MAX_PAGES    Discovery page cap (default: 500)
  CRAWLER_RPS          Politeness rate toward the origin host (default: 2)

Example:
  sitekb crawl --kb 4f1c... --url https://docs.example.com --max-pages 100`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			defer s.Close()

			pool := newBrowserPool()
			defer pool.Shutdown()

			if maxPages <= 0 {
				maxPages = getEnvInt("CRAWLER_MAX_PAGES", 0)
			}

			j, err := s.CreateJob(ctx, store.ScrapeJob{
				BaseURL:         baseURL,
				KnowledgeBaseID: kbID,
				UserID:          userID,
				MaxPages:        maxPages,
			})
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			log.Info("scrape job created", slog.String("job_id", j.ID), slog.String("base_url", baseURL))

			crawler := crawl.New(
				browser.NewFetcher(pool),
				crawl.Config{RequestsPerSecond: getEnvFloat("CRAWLER_RPS", 0)},
				metrics.New(prometheus.NewRegistry()),
			)

			runner := ingest.NewDiscoveryRunner(crawler, s)
			if err := runner.Run(ctx, j.ID); err != nil {
				return fmt.Errorf("crawl: %w", err)
			}

			done, err := s.FindJob(ctx, j.ID)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}

			fmt.Printf("job %s: %d urls discovered\n", done.ID, done.TotalURLs)
			for _, u := range done.DiscoveredURLs {
				fmt.Println(u)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Target knowledge base ID (required)")
	cmd.Flags().StringVarP(&baseURL, "url", "u", "", "Base URL to crawl (required)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Discovery page cap (0 = default 500)")
	cmd.Flags().StringVar(&userID, "user", "cli", "User ID recorded on the job")
	_ = cmd.MarkFlagRequired("kb")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}
