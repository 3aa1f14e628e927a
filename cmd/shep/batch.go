package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/types"
)

var batchCmd = &cobra.Command{
	Use:     "batch",
	GroupID: "run",
	Short:   "Manage task batches",
	Long: `Batches group related tasks under a shared concurrency budget.
A batch can be paused and resumed, and a release-on-complete batch bumps
the release version when its last task reaches a terminal state.`,
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <name> [task-id...]",
	Short: "Create a batch and optionally add tasks",
	Long: `Create an active batch and add the listed tasks in order.

Examples:
  shep batch create auth-rework t41 t42 t43
  shep batch create release-train t50 t51 --release minor --concurrency 2`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
		release, _ := cmd.Flags().GetString("release")
		skipQuality, _ := cmd.Flags().GetBool("skip-quality-gate")

		s, _ := openStore()
		defer func() { _ = s.Close() }()

		b := &types.Batch{
			ID:              "b-" + uuid.NewString()[:8],
			Name:            args[0],
			Concurrency:     concurrency,
			MaxConcurrency:  maxConcurrency,
			LoadFactor:      1.0,
			SkipQualityGate: skipQuality,
			Status:          types.BatchActive,
		}
		if release != "" {
			switch types.ReleaseType(release) {
			case types.ReleaseMajor, types.ReleaseMinor, types.ReleasePatch:
				b.ReleaseOnComplete = true
				b.ReleaseType = types.ReleaseType(release)
			default:
				fatalf("unknown release type %q (major, minor, patch)", release)
			}
		}
		if err := s.CreateBatch(rootCtx, b); err != nil {
			fatalf("%v", err)
		}
		for _, taskID := range args[1:] {
			if err := s.AddTaskToBatch(rootCtx, b.ID, taskID); err != nil {
				fatalf("failed to add %s: %v", taskID, err)
			}
		}
		if jsonOutput {
			outputJSON(b)
			return
		}
		fmt.Printf("Created batch %s (%s) with %d tasks\n", b.ID, b.Name, len(args)-1)
	},
}

var batchAddCmd = &cobra.Command{
	Use:   "add <batch-id> <task-id>...",
	Short: "Add tasks to a batch",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		s, _ := openStore()
		defer func() { _ = s.Close() }()
		for _, taskID := range args[1:] {
			if err := s.AddTaskToBatch(rootCtx, args[0], taskID); err != nil {
				fatalf("failed to add %s: %v", taskID, err)
			}
		}
		fmt.Printf("Added %d tasks to %s\n", len(args)-1, args[0])
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	Run: func(cmd *cobra.Command, args []string) {
		s, _ := openStore()
		defer func() { _ = s.Close() }()
		batches, err := s.ListBatches(rootCtx)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			outputJSON(batches)
			return
		}
		for _, b := range batches {
			release := ""
			if b.ReleaseOnComplete {
				release = fmt.Sprintf(" release:%s", b.ReleaseType)
			}
			fmt.Printf("%s  %-20s %s concurrency:%d%s\n", b.ID, b.Name, b.Status, b.Concurrency, release)
		}
	},
}

func batchStatusCommand(use, short string, status types.BatchStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <batch-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, _ := openStore()
			defer func() { _ = s.Close() }()
			if err := s.SetBatchStatus(rootCtx, args[0], status); err != nil {
				fatalf("%v", err)
			}
			fmt.Printf("Batch %s is now %s\n", args[0], status)
		},
	}
}

func init() {
	batchCreateCmd.Flags().Int("concurrency", 2, "Base concurrency budget")
	batchCreateCmd.Flags().Int("max-concurrency", 0, "Hard concurrency ceiling (0 = global)")
	batchCreateCmd.Flags().String("release", "", "Release on completion: major, minor, or patch")
	batchCreateCmd.Flags().Bool("skip-quality-gate", false, "Skip the completion quality gate for this batch")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchAddCmd)
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchStatusCommand("pause", "Pause dispatching for a batch", types.BatchPaused))
	batchCmd.AddCommand(batchStatusCommand("resume", "Resume a paused batch", types.BatchActive))
	batchCmd.AddCommand(batchStatusCommand("cancel", "Cancel a batch", types.BatchCancelled))
	rootCmd.AddCommand(batchCmd)
}
