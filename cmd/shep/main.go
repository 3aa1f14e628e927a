// Command shep is the autonomous DevOps supervisor CLI. Every invocation
// is short-lived: `shep pulse` does one bounded pass and exits, and
// `shep watch` is a loop of pulses triggered by task-file changes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/config"
	"github.com/untoldecay/Shepherd/internal/logging"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
)

var (
	rootCtx    context.Context
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "shep",
	Short: "Supervise AI coding workers from task pickup to verified deploy",
	Long: `Shepherd drives autonomous coding workers through the full delivery
lifecycle: it picks tasks up from a markdown task file, dispatches workers
into isolated git worktrees, evaluates their output, retries or escalates
on failure, shepherds pull requests through review and merge, deploys,
and verifies the result.

State lives in a single SQLite store under $SUPERVISOR_DIR (default
~/.shepherd). The task file remains the human-facing source of truth and
is reconciled against the store on every pulse.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// Logging failures must not stop the CLI; Infof falls back to stderr.
	_ = logging.Init(config.SupervisorDir())
	defer func() { _ = logging.Close() }()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "run", Title: "Supervision Commands:"},
		&cobra.Group{ID: "views", Title: "View Commands:"},
		&cobra.Group{ID: "ops", Title: "Operator Commands:"},
	)
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

// openStore opens the per-host supervisor store, running any pending
// migrations. The caller owns the close.
func openStore() (*store.Store, *state.Machine) {
	if err := os.MkdirAll(config.SupervisorDir(), 0750); err != nil {
		fatalf("failed to create supervisor dir: %v", err)
	}
	s, err := store.Open(rootCtx, config.DBPath(), config.GetDuration("store.busy-timeout"))
	if err != nil {
		fatalf("failed to open store: %v", err)
	}
	return s, state.New(s)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode JSON: %v", err)
	}
}
