package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/dispatch"
	"github.com/untoldecay/Shepherd/internal/types"
)

var dispatchCmd = &cobra.Command{
	Use:     "dispatch <task-id>",
	GroupID: "run",
	Short:   "Dispatch a worker for one queued task",
	Long: `Run the spawn preflight for a single queued task and, if every gate
passes, spawn a worker for it.

The exit code encodes the outcome for scripting:
  0   worker spawned (or the task was legitimately skipped)
  2   concurrency limit reached; retry next pulse
  3   model provider unavailable; retry with backoff
  75  provider rate-limited (EX_TEMPFAIL)
  1   permanent refusal (retry budget exhausted, auth broken, ...)

Examples:
  shep dispatch t42
  shep dispatch t42 --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		w := buildWorld()
		defer w.close()

		task, err := w.store.GetTask(rootCtx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if task.Status != types.StatusQueued {
			fatalf("task %s is %s, not queued", task.ID, task.Status)
		}

		out, err := w.dispatcher.Dispatch(rootCtx, task)
		if err != nil {
			fatalf("dispatch failed: %v", err)
		}
		if jsonOutput {
			outputJSON(out)
		} else {
			switch out.Kind {
			case dispatch.OutcomeSpawned:
				fmt.Printf("Spawned %s worker for %s (pid %d) in %s\n",
					out.Model, task.ID, out.PID, out.Worktree)
			default:
				fmt.Printf("Not spawned: %s %s\n", out.Kind, out.Detail)
			}
		}
		os.Exit(out.ExitCode())
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
