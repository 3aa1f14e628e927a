package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/config"
	"github.com/untoldecay/Shepherd/internal/logging"
	"github.com/untoldecay/Shepherd/internal/pulse"
)

// debounce window: editors and git write task files in bursts.
const watchSettle = 2 * time.Second

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "run",
	Short:   "Pulse continuously, triggered by task-file changes",
	Long: `Watch the task file and run a pulse whenever it changes, plus a
periodic pulse so evaluation and PR lifecycles advance even when nobody
edits the file. File events are debounced; a burst of writes triggers
one pulse.

Runs until interrupted.

Examples:
  shep watch
  shep watch --interval 5m`,
	Run: func(cmd *cobra.Command, args []string) {
		interval, _ := cmd.Flags().GetDuration("interval")

		w := buildWorld()
		defer w.close()

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			fatalf("failed to start watcher: %v", err)
		}
		defer func() { _ = watcher.Close() }()

		// Watch the directory, not the file: atomic renames replace the
		// inode and a file watch would go stale after the first write.
		if err := watcher.Add(config.RepoDir()); err != nil {
			fatalf("failed to watch %s: %v", config.RepoDir(), err)
		}
		taskFilePath := w.taskFile.Path()

		fmt.Printf("Watching %s (periodic pulse every %s)\n", taskFilePath, interval)
		runPulse(w)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var settle *time.Timer
		var settleC <-chan time.Time

		for {
			select {
			case <-rootCtx.Done():
				fmt.Println("\nStopping.")
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != taskFilePath {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if settle == nil {
					settle = time.NewTimer(watchSettle)
					settleC = settle.C
				} else {
					settle.Reset(watchSettle)
				}
			case <-settleC:
				settle = nil
				settleC = nil
				runPulse(w)
			case <-ticker.C:
				runPulse(w)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("watcher: %v", err)
			}
		}
	},
}

func runPulse(w *world) {
	sum, err := w.driver.Run(rootCtx)
	if errors.Is(err, pulse.ErrPulseActive) {
		return
	}
	if err != nil {
		logging.Errorf("pulse: %v", err)
		fmt.Printf("%s pulse failed: %v\n", time.Now().Format("15:04:05"), err)
		return
	}
	if sum.PickedUp+sum.Dispatched+sum.Evaluated+sum.PRActions+sum.Verified+sum.VerifyFails == 0 {
		return // quiet pulse, keep the terminal clean
	}
	fmt.Printf("%s picked up %d, dispatched %d, evaluated %d, pr actions %d, verified %d\n",
		time.Now().Format("15:04:05"),
		sum.PickedUp, sum.Dispatched, sum.Evaluated, sum.PRActions, sum.Verified)
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Minute, "Periodic pulse interval")
	rootCmd.AddCommand(watchCmd)
}
