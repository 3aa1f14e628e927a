package taskfile

import (
	"context"
	"fmt"

	"github.com/untoldecay/Shepherd/internal/debug"
	"github.com/untoldecay/Shepherd/internal/state"
	"github.com/untoldecay/Shepherd/internal/store"
	"github.com/untoldecay/Shepherd/internal/types"
)

// ReconcileReport summarises what a reconcile pass changed.
type ReconcileReport struct {
	Annotated  []string // DB failed/blocked reflected onto the file
	Cancelled  []string // DB cancelled, file line closed
	Completed  []string // file [x], DB advanced to complete
	Orphans    []string // DB rows with no file line
	Duplicates int
}

// Reconciler closes the gaps between the store and the task file.
type Reconciler struct {
	file    *File
	store   *store.Store
	machine *state.Machine
}

// NewReconciler builds a Reconciler over an open store and task file.
func NewReconciler(f *File, st *store.Store, m *state.Machine) *Reconciler {
	return &Reconciler{file: f, store: st, machine: m}
}

// Reconcile runs one bidirectional pass. Four gaps are closed:
// terminal DB states missing from the file get annotated or closed,
// file-closed lines advance the DB, and DB rows with no file line are
// reported as orphans but never removed.
func (r *Reconciler) Reconcile(ctx context.Context, repo string) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	n, err := r.file.Dedup(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedup failed: %w", err)
	}
	report.Duplicates = n

	tasks, err := r.file.Tasks()
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	byID := map[string]Line{}
	for _, t := range tasks {
		if _, dup := byID[t.ID]; !dup {
			byID[t.ID] = t
		}
	}

	rows, err := r.store.ListTasks(ctx, store.TaskFilter{Repo: repo})
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		line, inFile := byID[row.ID]
		if !inFile {
			report.Orphans = append(report.Orphans, row.ID)
			continue
		}

		switch {
		case (row.Status == types.StatusFailed || row.Status == types.StatusBlocked) && line.IsOpen():
			if line.Annots["status"] == string(row.Status) {
				continue
			}
			if err := r.annotateStatus(ctx, row, line); err != nil {
				debug.Logf("Debug: reconcile annotate %s failed: %v\n", row.ID, err)
				continue
			}
			report.Annotated = append(report.Annotated, row.ID)

		case row.Status == types.StatusCancelled && line.IsOpen():
			if err := r.file.MarkCancelled(ctx, row.ID, "cancelled in supervisor"); err != nil {
				debug.Logf("Debug: reconcile cancel %s failed: %v\n", row.ID, err)
				continue
			}
			report.Cancelled = append(report.Cancelled, row.ID)

		case line.State == StateDone && !row.Status.IsTerminal() && row.Status != types.StatusComplete:
			if err := r.advanceToComplete(ctx, row); err != nil {
				debug.Logf("Debug: reconcile complete %s failed: %v\n", row.ID, err)
				continue
			}
			report.Completed = append(report.Completed, row.ID)
		}
	}
	return report, nil
}

// annotateStatus writes a status tag plus a Notes line for a failed or
// blocked row.
func (r *Reconciler) annotateStatus(ctx context.Context, row *types.Task, line Line) error {
	note := string(row.Status)
	if row.Error != "" {
		note += ": " + row.Error
	}
	return r.file.mutate(ctx, fmt.Sprintf("Annotate %s %s", row.ID, row.Status), func(tasks []Line, raw []string) error {
		cur, err := findOpen(tasks, row.ID)
		if err != nil {
			return err
		}
		raw[cur.Number] = stripAnnotations(raw[cur.Number], "status") +
			" status:" + string(row.Status)
		raw[cur.Number] = insertNote(raw, cur, note)
		return nil
	})
}

// advanceToComplete walks the row to complete along legal transitions.
// A human marking a line [x] outranks whatever intermediate state the
// row is stuck in.
func (r *Reconciler) advanceToComplete(ctx context.Context, row *types.Task) error {
	path, ok := pathTo(row.Status, types.StatusComplete)
	if !ok {
		return fmt.Errorf("no path from %s to complete for %s", row.Status, row.ID)
	}
	for _, st := range path {
		if err := r.machine.Transition(ctx, row.ID, st, state.Fields{
			Reason: "reconciled from task file",
		}); err != nil {
			return err
		}
	}
	return nil
}

// pathTo finds the shortest legal transition sequence from -> to.
func pathTo(from, to types.Status) ([]types.Status, bool) {
	type node struct {
		st   types.Status
		path []types.Status
	}
	seen := map[types.Status]bool{from: true}
	queue := []node{{st: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.st == to {
			return cur.path, true
		}
		for _, next := range types.AllStatuses {
			if !seen[next] && state.Allowed(cur.st, next) {
				seen[next] = true
				step := append(append([]types.Status{}, cur.path...), next)
				queue = append(queue, node{st: next, path: step})
			}
		}
	}
	return nil, false
}
