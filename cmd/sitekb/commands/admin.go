package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewAdminCmd constructs the `sitekb admin` command group: operator commands
// acting directly on the relational store.
func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands",
	}
	cmd.AddCommand(newGrantAdminCmd(), newVerifyUsersCmd(), newTruncateCmd())
	return cmd
}

func newGrantAdminCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "grant-admin",
		Short: "Grant administrator rights to a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return fmt.Errorf("grant-admin: %w", err)
			}
			defer s.Close()

			if err := s.GrantAdmin(cmd.Context(), email); err != nil {
				return fmt.Errorf("grant-admin: %w", err)
			}
			fmt.Printf("%s is now an admin\n", email)
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "User email (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newVerifyUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-users",
		Short: "Mark every user's email as verified",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return fmt.Errorf("verify-users: %w", err)
			}
			defer s.Close()

			n, err := s.MarkAllUsersVerified(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify-users: %w", err)
			}
			fmt.Printf("%d users verified\n", n)
			return nil
		},
	}
}

func newTruncateCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Delete every row from every table",
		Long: `Delete every row from every table in the relational store. Vector data in
Qdrant is NOT touched; drop the collection separately if needed.

This is irreversible. The --yes flag is required.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return fmt.Errorf("truncate: refusing without --yes")
			}

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
			defer s.Close()

			if err := s.TruncateAll(cmd.Context()); err != nil {
				return fmt.Errorf("truncate: %w", err)
			}
			fmt.Println("all tables truncated")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the destructive operation")
	return cmd
}
