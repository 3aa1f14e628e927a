package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/ui"
)

var proofCmd = &cobra.Command{
	Use:     "proof <task-id>",
	GroupID: "views",
	Short:   "Show the evidence trail for a task",
	Long: `Print the proof log: every evaluation verdict, retry decision, and
lifecycle action recorded for a task, with the evidence and decision-maker
behind each one. The state log is shown alongside for context.

Examples:
  shep proof t42
  shep proof t42 --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		taskID := args[0]
		s, _ := openStore()
		defer func() { _ = s.Close() }()

		entries, err := s.ProofLog(rootCtx, taskID)
		if err != nil {
			fatalf("%v", err)
		}
		transitions, err := s.StateLog(rootCtx, taskID, 0)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"proof":       entries,
				"transitions": transitions,
			})
			return
		}

		if len(entries) == 0 && len(transitions) == 0 {
			fmt.Printf("No history recorded for %s.\n", taskID)
			return
		}

		fmt.Printf("\n%s\n\n", ui.RenderAccent("Proof log for "+taskID))
		for _, e := range entries {
			fmt.Printf("%s  %s/%s -> %s (by %s)\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.Event, e.Stage, e.Decision, e.DecidedBy)
			if e.Evidence != "" {
				fmt.Printf("    %s\n", ui.RenderMuted(e.Evidence))
			}
		}

		fmt.Printf("\n%s\n\n", ui.RenderAccent("Transitions"))
		// StateLog returns newest first; print oldest first.
		for i := len(transitions) - 1; i >= 0; i-- {
			t := transitions[i]
			fmt.Printf("%s  %s -> %s", t.CreatedAt.Format("2006-01-02 15:04:05"),
				t.FromState, t.ToState)
			if t.Reason != "" {
				fmt.Printf("  (%s)", t.Reason)
			}
			fmt.Println()
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(proofCmd)
}
