package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/logging"
	"github.com/untoldecay/Shepherd/internal/pulse"
)

var pulseCmd = &cobra.Command{
	Use:     "pulse",
	GroupID: "run",
	Short:   "Run one bounded supervision pass",
	Long: `Run one pulse: pick up new task lines, dispatch eligible work,
evaluate finished workers, reconcile the store against the task file,
advance PR lifecycles, run post-deploy verification, and close finished
batches.

A pulse is bounded (at most a handful of dispatches and PR actions) and
idempotent: against an unchanged world it does nothing. Pulses are
serialized per host by a file lock; a second concurrent pulse exits
cleanly without doing work.

Examples:
  shep pulse               # one pass
  shep pulse --json        # machine-readable summary
  watch -n 60 shep pulse   # crude supervision loop (see also: shep watch)`,
	Run: func(cmd *cobra.Command, args []string) {
		w := buildWorld()
		defer w.close()

		sum, err := w.driver.Run(rootCtx)
		if errors.Is(err, pulse.ErrPulseActive) {
			if !jsonOutput {
				fmt.Println("Another pulse is already running; nothing to do.")
			}
			return
		}
		if err != nil {
			fatalf("pulse failed: %v", err)
		}
		logging.Infof("pulse: dispatched=%d evaluated=%d pr_actions=%d verified=%d in %s",
			sum.Dispatched, sum.Evaluated, sum.PRActions, sum.Verified, sum.Duration)

		if jsonOutput {
			outputJSON(sum)
			return
		}
		fmt.Printf("Pulse complete in %s\n", sum.Duration.Round(time.Millisecond))
		fmt.Printf("  Picked up:   %d\n", sum.PickedUp)
		fmt.Printf("  Dispatched:  %d (deferred %d)\n", sum.Dispatched, sum.Deferred)
		fmt.Printf("  Evaluated:   %d\n", sum.Evaluated)
		if sum.Reconciled != nil {
			fmt.Printf("  Reconciled:  %d annotated, %d cancelled, %d completed, %d orphans\n",
				len(sum.Reconciled.Annotated), len(sum.Reconciled.Cancelled),
				len(sum.Reconciled.Completed), len(sum.Reconciled.Orphans))
		}
		fmt.Printf("  PR actions:  %d\n", sum.PRActions)
		fmt.Printf("  Verified:    %d (failed %d)\n", sum.Verified, sum.VerifyFails)
		for _, id := range sum.Released {
			fmt.Printf("  Released batch %s\n", id)
		}
	},
}

func init() {
	rootCmd.AddCommand(pulseCmd)
}
