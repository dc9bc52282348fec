package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/internal/ingest"
	"github.com/kiranshivaraju/findingdedup/internal/pipeline"
	"github.com/kiranshivaraju/findingdedup/internal/store"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		sarifPath string
		org       string
		project   string
		branch    string
		scan      string
		algorithm string
		threshold float64
		memory    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a SARIF file and run deduplication for a branch",
		Long: `Parse a SARIF 2.1 log, deduplicate its results against the branch's
open findings and re-cluster the branch. With --memory nothing is persisted
and findings are embedded with the offline hashing embedder.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			scope, err := parseScope(org, project, branch)
			if err != nil {
				return err
			}
			scanID := uuid.New()
			if scan != "" {
				if scanID, err = uuid.Parse(scan); err != nil {
					return fmt.Errorf("--scan must be a UUID: %w", err)
				}
			}

			f, err := os.Open(sarifPath)
			if err != nil {
				return fmt.Errorf("open SARIF file: %w", err)
			}
			parsed, err := ingest.ParseSARIF(f)
			f.Close()
			if err != nil {
				return err
			}

			b, err := openBackend(ctx, memory)
			if err != nil {
				return err
			}
			defer b.Close()
			orch, err := b.orchestrator()
			if err != nil {
				return err
			}

			req := pipeline.Request{
				Scope:        scope,
				ScanID:       scanID,
				Findings:     parsed.Findings,
				IngestErrors: parsed.Errors,
			}
			if cmd.Flags().Changed("algorithm") || cmd.Flags().Changed("threshold") {
				p := b.cfg.Dedup.Params
				if algorithm != "" {
					alg, ok := models.ParseAlgorithm(algorithm)
					if !ok {
						return fmt.Errorf("--algorithm must be density or hierarchical, got %q", algorithm)
					}
					p.Algorithm = alg
				}
				if cmd.Flags().Changed("threshold") {
					p.SimilarityThreshold = threshold
				}
				req.Params = &p
			}

			run, runErr := orch.Run(ctx, req)
			if run == nil {
				return runErr
			}
			out := cmd.OutOrStdout()
			printRun(out, run)
			if runErr != nil {
				return runErr
			}
			return printBranchClusters(ctx, cmd, b.store, scope)
		},
	}

	cmd.Flags().StringVar(&sarifPath, "sarif", "", "SARIF 2.1 file to ingest")
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	cmd.Flags().StringVar(&project, "project", "", "Project ID")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch ID")
	cmd.Flags().StringVar(&scan, "scan", "", "Scan ID (generated when omitted)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Clustering algorithm: density or hierarchical")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Cosine similarity threshold in (0, 1]")
	cmd.Flags().BoolVar(&memory, "memory", false, "Use the in-memory store and offline embedder")
	for _, name := range []string{"sarif", "org", "project", "branch"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func printBranchClusters(ctx context.Context, cmd *cobra.Command, st store.Store, scope models.Scope) error {
	clusters, err := st.ListClusters(ctx, store.ScopeFilter{OrganizationID: scope.OrganizationID, BranchID: scope.BranchID})
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	printClusters(cmd.OutOrStdout(), clusters)
	return nil
}

func parseScope(org, project, branch string) (models.Scope, error) {
	var s models.Scope
	var err error
	if s.OrganizationID, err = uuid.Parse(org); err != nil {
		return s, fmt.Errorf("--org must be a UUID: %w", err)
	}
	if s.ProjectID, err = uuid.Parse(project); err != nil {
		return s, fmt.Errorf("--project must be a UUID: %w", err)
	}
	if s.BranchID, err = uuid.Parse(branch); err != nil {
		return s, fmt.Errorf("--branch must be a UUID: %w", err)
	}
	return s, nil
}
