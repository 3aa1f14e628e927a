package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/types"
)

var cancelCmd = &cobra.Command{
	Use:     "cancel <task-id>...",
	GroupID: "run",
	Short:   "Cancel one or more tasks",
	Long: `Cancel tasks that are not yet hard-terminal. A running worker is
killed along with its descendants, its worktree claim is released, and
the cancellation is reflected onto the task file.

Examples:
  shep cancel t42
  shep cancel t42 t43 --reason "superseded by t50"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			reason = "cancelled by operator"
		}

		w := buildWorld()
		defer w.close()

		for _, id := range args {
			if _, err := w.store.GetTask(rootCtx, id); err != nil {
				fatalf("%v", err)
			}
			if pid := w.sup.SidecarPID(id); proc.Alive(pid) {
				if err := w.sup.Kill(pid); err != nil {
					fmt.Printf("Warning: failed to kill worker for %s: %v\n", id, err)
				}
			}
			if err := w.machine.Transition(rootCtx, id, types.StatusCancelled, state.Fields{
				Reason: reason,
			}); err != nil {
				fatalf("failed to cancel %s: %v", id, err)
			}
			_ = w.sup.Reap(id)
			if err := w.taskFile.MarkCancelled(rootCtx, id, reason); err != nil {
				fmt.Printf("Warning: task file not updated for %s: %v\n", id, err)
			}
			fmt.Printf("Cancelled %s\n", id)
		}
	},
}

func init() {
	cancelCmd.Flags().String("reason", "", "Reason recorded in the state log")
	rootCmd.AddCommand(cancelCmd)
}
