package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/embedder"
	"github.com/lhoofs/sitekb/internal/logging"
	"github.com/lhoofs/sitekb/internal/rag"
)

// NewSearchCmd constructs the `sitekb search` command, which runs a
// cosine-similarity query against a knowledge base.
func NewSearchCmd() *cobra.Command {
	var kbID string
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search a knowledge base",
		Long: `Embed the query with the knowledge base's embedding model and return the
closest chunks by cosine similarity. Only chunks of fully ingested
(COMPLETED) documents are returned.

Example:
  sitekb search --kb 4f1c... "how do I configure webhooks"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			query := strings.Join(args, " ")

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer s.Close()

			kb, err := s.FindKnowledgeBase(ctx, kbID)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			emb, err := embedder.NewForModel(kb.EmbeddingModel)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			vectors, closeVectors, err := openVectors(ctx, kb.EmbeddingModel, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer closeVectors()

			retriever, err := rag.NewRetriever(emb, vectors, s, limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			results, err := retriever.Search(ctx, kb.ID, query, limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, r := range results {
				fmt.Printf("%d. [%.3f] %s\n", i+1, r.Score, r.DocumentTitle)
				if r.SourceURL != "" {
					fmt.Printf("   %s\n", r.SourceURL)
				}
				fmt.Printf("   %s\n\n", snippet(r.Content, 240))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base ID (required)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 5, "Maximum number of results")
	_ = cmd.MarkFlagRequired("kb")

	return cmd
}

// snippet returns the first n bytes of s on a single line.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
