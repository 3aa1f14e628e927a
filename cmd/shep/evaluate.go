package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/proc"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/types"
)

var evaluateCmd = &cobra.Command{
	Use:     "evaluate <task-id>",
	GroupID: "run",
	Short:   "Evaluate a finished worker and apply the verdict",
	Long: `Classify one finished worker's outcome from its log, git evidence,
and (when configured) AI arbitration, then apply the verdict: advance the
task, queue a retry, escalate the model tier, or mark it failed/blocked.

Refuses to evaluate a task whose worker is still alive.

Examples:
  shep evaluate t42
  shep evaluate t42 --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		w := buildWorld()
		defer w.close()

		task, err := w.store.GetTask(rootCtx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if task.Status != types.StatusRunning && task.Status != types.StatusDispatched &&
			task.Status != types.StatusEvaluating {
			fatalf("task %s is %s; nothing to evaluate", task.ID, task.Status)
		}
		if proc.Alive(w.sup.SidecarPID(task.ID)) {
			fatalf("worker for %s is still running", task.ID)
		}

		if task.Status != types.StatusEvaluating {
			if err := w.machine.Transition(rootCtx, task.ID, types.StatusEvaluating, state.Fields{
				Reason: "worker finished",
			}); err != nil {
				fatalf("%v", err)
			}
		}
		res, err := w.evaluator.Evaluate(rootCtx, task)
		if err != nil {
			fatalf("evaluation failed: %v", err)
		}
		action, err := w.retry.Apply(rootCtx, task, res)
		if err != nil {
			fatalf("failed to apply verdict: %v", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"task":    task.ID,
				"verdict": res.Verdict,
				"stage":   res.Stage,
				"action":  action,
			})
			return
		}
		fmt.Printf("%s: %s (%s) decided at %s -> %s\n",
			task.ID, res.Verdict.Kind, res.Verdict.Detail, res.Stage, action.Kind)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}
