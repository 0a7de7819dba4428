// Package commands defines all Cobra CLI commands for the sitekb binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/audit"
	"github.com/lhoofs/sitekb/internal/config"
	"github.com/lhoofs/sitekb/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sitekb",
		Short: "sitekb — ingest public websites into a searchable knowledge base",
		Long: `sitekb crawls a website, renders each page in a headless browser,
extracts the main content, chunks and embeds it, and persists everything to a
SQLite store plus a Qdrant vector index for cosine-similarity retrieval.

Typical flow:
  sitekb kb create --name docs              create a knowledge base
  sitekb crawl --kb <id> --url https://...  discover content pages
  sitekb ingest --job <id> --all            scrape, chunk, embed, persist
  sitekb search --kb <id> "how do I ..."    query the index

Configuration comes from ~/.sitekb/config.yaml and environment variables
(env always wins). See 'sitekb --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.sitekb/config.yaml)")

	root.AddCommand(
		NewKBCmd(),
		NewCrawlCmd(),
		NewIngestCmd(),
		NewSearchCmd(),
		NewServeCmd(),
		NewAdminCmd(),
		NewVersionCmd(),
	)

	return root
}
