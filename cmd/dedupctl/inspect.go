package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/api/middleware"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/spf13/cobra"
)

func newRunsCmd() *cobra.Command {
	var org, branch string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the dedup run history of a branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, branchID, err := parseOrgBranch(org, branch)
			if err != nil {
				return err
			}
			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.Close()

			runs, err := b.store.ListRuns(cmd.Context(), store.RunFilter{OrganizationID: orgID, BranchID: branchID, Limit: limit})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			printRunHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch ID")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func newClustersCmd() *cobra.Command {
	var org, branch string

	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Show the current clusters of a branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, branchID, err := parseOrgBranch(org, branch)
			if err != nil {
				return err
			}
			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.Close()

			clusters, err := b.store.ListClusters(cmd.Context(), store.ScopeFilter{OrganizationID: orgID, BranchID: branchID})
			if err != nil {
				return fmt.Errorf("list clusters: %w", err)
			}
			printClusters(cmd.OutOrStdout(), clusters)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch ID")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("branch")
	return cmd
}

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var org, name, scopes string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			orgID, err := uuid.Parse(org)
			if err != nil {
				return fmt.Errorf("--org must be a UUID: %w", err)
			}
			raw, key, err := middleware.IssueKey(orgID, name, splitScopes(scopes))
			if err != nil {
				return err
			}

			b, err := openBackend(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.store.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("create api key: %w", err)
			}
			printIssuedKey(cmd.OutOrStdout(), raw, key)
			return nil
		},
	}
	create.Flags().StringVar(&org, "org", "", "Organization ID the key is bound to")
	create.Flags().StringVar(&name, "name", "", "Human-readable key name")
	create.Flags().StringVar(&scopes, "scopes", "read", "Comma-separated scopes: read, write, admin")
	_ = create.MarkFlagRequired("org")
	_ = create.MarkFlagRequired("name")

	keys.AddCommand(create)
	return keys
}

func parseOrgBranch(org, branch string) (uuid.UUID, uuid.UUID, error) {
	orgID, err := uuid.Parse(org)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("--org must be a UUID: %w", err)
	}
	branchID, err := uuid.Parse(branch)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("--branch must be a UUID: %w", err)
	}
	return orgID, branchID, nil
}

func splitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
