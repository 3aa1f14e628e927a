package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/config"
	"github.com/untoldecay/Shepherd/internal/ui"
)

var decisionsCmd = &cobra.Command{
	Use:     "decisions <task-id>",
	GroupID: "views",
	Short:   "Show PR-lifecycle decisions for a task",
	Long: `Render the decision logs the PR-lifecycle engine wrote for a task.

Each decision is a markdown file recording the PR snapshot the advisor
saw, the chosen action, and the reasoning. Files are rendered with
terminal markdown styling on a TTY and printed raw otherwise.

Examples:
  shep decisions t42
  shep decisions t42 --last     # only the most recent decision`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lastOnly, _ := cmd.Flags().GetBool("last")
		taskID := args[0]

		dir := config.DecisionLogDir()
		entries, err := os.ReadDir(dir)
		if err != nil {
			fatalf("no decision logs at %s: %v", dir, err)
		}
		var files []string
		prefix := "decision-" + taskID + "-"
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".md") {
				files = append(files, e.Name())
			}
		}
		if len(files) == 0 {
			fatalf("no decisions recorded for %s", taskID)
		}
		// Timestamped names sort chronologically.
		sort.Strings(files)
		if lastOnly {
			files = files[len(files)-1:]
		}

		var renderer *glamour.TermRenderer
		if ui.IsTerminal() {
			renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(min(ui.GetWidth(), 100)),
			)
		}
		for _, name := range files {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				fatalf("%v", err)
			}
			if renderer != nil {
				if out, err := renderer.Render(string(data)); err == nil {
					fmt.Print(out)
					continue
				}
			}
			fmt.Println(string(data))
		}
	},
}

func init() {
	decisionsCmd.Flags().Bool("last", false, "Show only the most recent decision")
	rootCmd.AddCommand(decisionsCmd)
}
