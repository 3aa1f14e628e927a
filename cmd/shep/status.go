package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
	"github.com/untoldecay/Shepherd/internal/ui"
)

// StatusOutput is the complete status output.
type StatusOutput struct {
	Counts  map[string]int `json:"counts"`
	Active  []*types.Task  `json:"active,omitempty"`
	Stuck   []*types.Task  `json:"stuck,omitempty"`
	Batches []*types.Batch `json:"batches,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "views",
	Aliases: []string{"st"},
	Short:   "Show supervisor state overview",
	Long: `Show a quick snapshot of supervised work: task counts per state,
tasks currently in flight, stuck work (failed, blocked, verify_failed),
and active batches.

Similar to how 'git status' shows working tree state, 'shep status' gives
an overview of the delivery pipeline without multiple queries.

Examples:
  shep status              # human-readable overview
  shep status --json       # JSON format output
  shep status --all        # include terminal tasks in the listing`,
	Run: func(cmd *cobra.Command, args []string) {
		showAll, _ := cmd.Flags().GetBool("all")

		s, _ := openStore()
		defer func() { _ = s.Close() }()

		tasks, err := s.ListTasks(rootCtx, store.TaskFilter{})
		if err != nil {
			fatalf("%v", err)
		}
		batches, err := s.ListBatches(rootCtx)
		if err != nil {
			fatalf("%v", err)
		}

		out := &StatusOutput{Counts: map[string]int{}}
		for _, t := range tasks {
			out.Counts[string(t.Status)]++
			switch t.Status {
			case types.StatusFailed, types.StatusBlocked, types.StatusVerifyFailed:
				out.Stuck = append(out.Stuck, t)
			default:
				if !t.Status.IsTerminal() {
					out.Active = append(out.Active, t)
				} else if showAll {
					out.Active = append(out.Active, t)
				}
			}
		}
		for _, b := range batches {
			if b.Status == types.BatchActive || showAll {
				out.Batches = append(out.Batches, b)
			}
		}

		if jsonOutput {
			outputJSON(out)
			return
		}
		renderStatus(out)
	},
}

func renderStatus(out *StatusOutput) {
	fmt.Printf("\n%s\n\n", ui.RenderAccent("Shepherd Status"))

	fmt.Printf("Summary:\n")
	total := 0
	for _, n := range out.Counts {
		total += n
	}
	fmt.Printf("  Total Tasks:    %d\n", total)
	fmt.Printf("  Queued:         %s\n", ui.RenderWarn(fmt.Sprintf("%d", out.Counts["queued"])))
	fmt.Printf("  In Flight:      %s\n", ui.RenderWarn(fmt.Sprintf("%d",
		out.Counts["dispatched"]+out.Counts["running"]+out.Counts["evaluating"])))
	fmt.Printf("  In PR Pipeline: %s\n", ui.RenderWarn(fmt.Sprintf("%d",
		out.Counts["complete"]+out.Counts["pr_review"]+out.Counts["review_triage"]+
			out.Counts["merging"]+out.Counts["merged"]+out.Counts["deploying"])))
	fmt.Printf("  Deployed:       %s\n", ui.RenderPass(fmt.Sprintf("%d",
		out.Counts["deployed"]+out.Counts["verifying"]+out.Counts["verified"])))
	stuck := out.Counts["failed"] + out.Counts["blocked"] + out.Counts["verify_failed"]
	if stuck > 0 {
		fmt.Printf("  Stuck:          %s\n", ui.RenderFail(fmt.Sprintf("%d", stuck)))
	}

	if len(out.Active) > 0 {
		width := ui.GetWidth()
		if width > 100 {
			width = 100
		}
		tbl := ui.NewStatusTable(width, "ID", "State", "Model", "Description")
		for _, t := range out.Active {
			desc := t.Description
			if len(desc) > 48 {
				desc = desc[:45] + "..."
			}
			tbl.Row(t.ID, string(t.Status), t.Model, desc)
		}
		fmt.Printf("\n%s\n", tbl.String())
	}

	for _, t := range out.Stuck {
		reason := t.Error
		if reason == "" {
			reason = "(no error recorded)"
		}
		fmt.Printf("  %s %s: %s\n", ui.RenderFail(string(t.Status)), t.ID, reason)
	}

	if len(out.Batches) > 0 {
		fmt.Printf("\nBatches:\n")
		for _, b := range out.Batches {
			fmt.Printf("  %s  %s (%s, concurrency %d)\n", b.ID, b.Name, b.Status, b.Concurrency)
		}
	}

	fmt.Printf("\nRun 'shep pulse' to advance work.\n\n")
}

func init() {
	statusCmd.Flags().Bool("all", false, "Include terminal tasks and closed batches")
	rootCmd.AddCommand(statusCmd)
}
