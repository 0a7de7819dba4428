package commands

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lhoofs/sitekb/internal/embedder"
	"github.com/lhoofs/sitekb/internal/store"
)

// NewKBCmd constructs the `sitekb kb` command group for managing knowledge
// bases.
func NewKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage knowledge bases",
	}
	cmd.AddCommand(newKBCreateCmd(), newKBListCmd(), newKBDeleteCmd())
	return cmd
}

func newKBCreateCmd() *cobra.Command {
	var name string
	var workspace string
	var model string
	var chunkSize int
	var chunkOverlap int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a knowledge base",
		Long: `Create a knowledge base with its chunking and embedding configuration.

The embedding model is fixed once the knowledge base holds documents — vectors
from different models cannot share one index. Chunk size and overlap control
how documents are split for retrieval (overlap must be smaller than size).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := slog.Default()

			if err := embedder.Validate(log, model); err != nil {
				return fmt.Errorf("kb create: %w", err)
			}

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("kb create: %w", err)
			}
			defer s.Close()

			kb, err := s.CreateKnowledgeBase(cmd.Context(), store.KnowledgeBase{
				WorkspaceID:    workspace,
				Name:           name,
				EmbeddingModel: model,
				ChunkSize:      chunkSize,
				ChunkOverlap:   chunkOverlap,
			})
			if err != nil {
				return fmt.Errorf("kb create: %w", err)
			}

			fmt.Println(kb.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Knowledge base name (required)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "default", "Workspace ID")
	cmd.Flags().StringVarP(&model, "model", "m", embedder.DefaultModel, "Embedding model")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, "Chunk size in characters")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 100, "Chunk overlap in characters")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newKBListCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge bases in a workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return fmt.Errorf("kb list: %w", err)
			}
			defer s.Close()

			kbs, err := s.ListKnowledgeBases(cmd.Context(), workspace)
			if err != nil {
				return fmt.Errorf("kb list: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODEL\tCHUNK\tOVERLAP")
			for _, kb := range kbs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
					kb.ID, kb.Name, kb.EmbeddingModel, kb.ChunkSize, kb.ChunkOverlap)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "default", "Workspace ID")
	return cmd
}

func newKBDeleteCmd() *cobra.Command {
	var kbID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Soft-delete a knowledge base",
		Long: `Soft-delete a knowledge base. Refused while a scrape job for it is still
running or while any agent uses it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return fmt.Errorf("kb delete: %w", err)
			}
			defer s.Close()

			if err := s.SoftDeleteKnowledgeBase(cmd.Context(), kbID); err != nil {
				return fmt.Errorf("kb delete: %w", err)
			}
			fmt.Println("deleted")
			return nil
		},
	}

	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base ID (required)")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}
