package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusColor(s models.RunStatus) func(a ...any) string {
	switch s {
	case models.RunStatusCompleted:
		return green
	case models.RunStatusFailed:
		return red
	default:
		return yellow
	}
}

func severityColor(s models.Severity) func(a ...any) string {
	switch s {
	case models.SeverityCritical, models.SeverityHigh:
		return red
	case models.SeverityMedium:
		return yellow
	default:
		return gray
	}
}

func printRun(w io.Writer, run *models.DedupRun) {
	s := run.Summary
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Dedup Run ==="))
	fmt.Fprintf(w, "  Run:       %s\n", run.ID)
	fmt.Fprintf(w, "  Scan:      %s\n", run.ScanID)
	fmt.Fprintf(w, "  Status:    %s\n", statusColor(run.Status)(run.Status))
	fmt.Fprintf(w, "  Algorithm: %s (threshold %.2f)\n", run.Params.Algorithm, run.Params.SimilarityThreshold)
	if run.ErrorMessage != nil {
		fmt.Fprintf(w, "  Error:     %s\n", red(*run.ErrorMessage))
	}

	fmt.Fprintf(w, "\n%s\n", bold("Findings"))
	fmt.Fprintf(w, "  input %d, invalid %d, new %d, reaffirmed %d, revived %d, resolved %d\n",
		s.InputFindings, s.InvalidFindings, s.NewFindings, s.ReaffirmedFindings, s.RevivedFindings, s.ResolvedFindings)
	fmt.Fprintf(w, "  exact duplicates %d, hash collisions %d, open %d\n",
		s.ExactDuplicates, s.HashCollisions, s.OpenFindings)

	fmt.Fprintf(w, "\n%s\n", bold("Clustering"))
	fmt.Fprintf(w, "  embedded %d (%d failed)\n", s.EmbeddedFindings, s.EmbeddingFailures)
	fmt.Fprintf(w, "  clusters %d, clustered %d, unclustered %d", s.ClustersFormed, s.ClusteredFindings, s.UnclusteredFindings)
	if s.SilhouetteScore != nil {
		fmt.Fprintf(w, ", silhouette %.3f", *s.SilhouetteScore)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  confirmations %d requested, %d accepted, %d split, %d flagged\n",
		s.ConfirmationsRequested, s.ConfirmationsAccepted, s.MembersSplit, s.ClustersFlagged)

	if s.Degraded() {
		fmt.Fprintf(w, "\n%s\n", yellow("Degraded:"))
	} else if len(s.Notes) > 0 {
		fmt.Fprintf(w, "\n%s\n", gray("Notes:"))
	}
	for _, n := range s.Notes {
		fmt.Fprintf(w, "  %s %s\n", yellow("!"), n)
	}
	for _, e := range s.InputErrors {
		fmt.Fprintf(w, "  %s %s\n", gray("-"), e)
	}
	fmt.Fprintln(w)
}

func printRunHistory(w io.Writer, runs []*models.DedupRun) {
	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Run History ==="))
	if len(runs) == 0 {
		fmt.Fprintf(w, "  %s\n\n", gray("No runs"))
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "  %s %s  %s  clusters %d  open %d\n",
			statusColor(r.Status)("●"),
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.ID,
			r.Summary.ClustersFormed,
			r.Summary.OpenFindings,
		)
		if r.ErrorMessage != nil {
			fmt.Fprintf(w, "      %s\n", red(*r.ErrorMessage))
		}
	}
	fmt.Fprintln(w)
}

func printClusters(w io.Writer, clusters []*models.Cluster) {
	fmt.Fprintf(w, "%s\n\n", cyan("=== Clusters ==="))
	if len(clusters) == 0 {
		fmt.Fprintf(w, "  %s\n\n", gray("No clusters"))
		return
	}
	for _, c := range clusters {
		fmt.Fprintf(w, "  %s  %s  %s  %d members  cohesion %.3f  [%s]\n",
			bold(c.Label),
			severityColor(c.PrimarySeverity)(c.PrimarySeverity),
			c.PrimaryRuleID,
			c.Size,
			c.CohesionScore,
			c.ConfirmationStatus,
		)
		for _, m := range c.Members {
			marker := " "
			if m.FindingID == c.RepresentativeFindingID {
				marker = "*"
			}
			fmt.Fprintf(w, "    %s %s  distance %.4f", marker, m.FindingID, m.DistanceToCentroid)
			if m.Verdict != nil {
				fmt.Fprintf(w, "  %s", *m.Verdict)
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintln(w)
}

func printIssuedKey(w io.Writer, raw string, key *models.APIKey) {
	fmt.Fprintf(w, "%s\n", green("API key created"))
	fmt.Fprintf(w, "  ID:     %s\n", key.ID)
	fmt.Fprintf(w, "  Name:   %s\n", key.Name)
	fmt.Fprintf(w, "  Scopes: %v\n", key.Scopes)
	fmt.Fprintf(w, "  Key:    %s\n", bold(raw))
	fmt.Fprintf(w, "%s\n", yellow("Store this key now; it cannot be shown again."))
}
