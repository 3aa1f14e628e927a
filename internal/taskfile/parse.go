// Package taskfile mediates the human-edited task list: a line-oriented
// markdown-like file of `- [STATE] <id> <description> [annotations]`
// entries. The supervisor reads dispatch eligibility and claims from it
// and writes back completion, cancellation, and blocked annotations.
package taskfile

import (
	"regexp"
	"strings"
)

// LineState is the checkbox state of a task line.
type LineState rune

const (
	StateOpen      LineState = ' '
	StateDone      LineState = 'x'
	StateCancelled LineState = '-'
)

// Line is one parsed task line.
type Line struct {
	Raw    string
	Number int // 0-based index into the file
	Indent int // leading spaces; deeper indentation marks subtasks
	State  LineState
	ID     string
	Desc   string
	Tags   []string          // #auto-dispatch, #complex, ...
	Annots map[string]string // assignee:, blocked-by:, ref:, started:, pr:, ...
}

// taskLineRE matches `- [ ] t42 description...` with any indentation.
var taskLineRE = regexp.MustCompile(`^(\s*)- \[([ x-])\] (\S+)\s*(.*)$`)

// idRE is the shape of task IDs: t<digits> with optional dotted children.
var idRE = regexp.MustCompile(`^t\d+(\.\d+)*$`)

// ParseLine parses a single line; ok is false for non-task lines
// (headers, prose, Notes children).
func ParseLine(raw string, number int) (Line, bool) {
	m := taskLineRE.FindStringSubmatch(raw)
	if m == nil {
		return Line{}, false
	}
	id := m[3]
	if !idRE.MatchString(id) {
		return Line{}, false
	}
	l := Line{
		Raw:    raw,
		Number: number,
		Indent: len(m[1]),
		State:  LineState(m[2][0]),
		ID:     id,
		Annots: map[string]string{},
	}

	var descWords []string
	for _, word := range strings.Fields(m[4]) {
		switch {
		case strings.HasPrefix(word, "#"):
			l.Tags = append(l.Tags, word)
		case isAnnotation(word):
			k, v, _ := strings.Cut(word, ":")
			l.Annots[k] = v
		default:
			descWords = append(descWords, word)
		}
	}
	l.Desc = strings.Join(descWords, " ")
	return l, true
}

// annotation keys the supervisor understands.
var annotationKeys = map[string]bool{
	"assignee": true, "blocked-by": true, "ref": true, "started": true,
	"completed": true, "cancelled": true, "verified": true, "pr": true,
	"status": true, "check": true,
}

func isAnnotation(word string) bool {
	k, _, found := strings.Cut(word, ":")
	return found && annotationKeys[k]
}

// IsOpen reports whether the line is an unfinished task.
func (l Line) IsOpen() bool { return l.State == StateOpen }

// Assignee returns the claim holder, or "".
func (l Line) Assignee() string { return l.Annots["assignee"] }

// HasTag reports whether the line carries the tag (with or without '#').
func (l Line) HasTag(tag string) bool {
	tag = "#" + strings.TrimPrefix(tag, "#")
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ParentOf returns the parent ID of a dotted child ("t46.1" -> "t46"),
// or "".
func ParentOf(id string) string {
	if idx := strings.LastIndex(id, "."); idx > 0 {
		return id[:idx]
	}
	return ""
}

// Parse splits a whole file into its lines, returning the parsed task
// lines and the raw lines for rewriting.
func Parse(content string) ([]Line, []string) {
	raw := strings.Split(content, "\n")
	var tasks []Line
	for i, line := range raw {
		if l, ok := ParseLine(line, i); ok {
			tasks = append(tasks, l)
		}
	}
	return tasks, raw
}

// Subtasks returns the task lines that are children of parent: explicit
// dotted IDs or deeper-indented task lines directly under it.
func Subtasks(tasks []Line, parent Line) []Line {
	var kids []Line
	for _, t := range tasks {
		if ParentOf(t.ID) == parent.ID {
			kids = append(kids, t)
			continue
		}
		// Indentation children: after the parent line, deeper indent,
		// until the next line at or above the parent's level.
		if t.Number > parent.Number && t.Indent > parent.Indent {
			if enclosing(tasks, parent, t) {
				kids = append(kids, t)
			}
		}
	}
	return kids
}

// enclosing reports whether t sits inside parent's indentation block.
func enclosing(tasks []Line, parent, t Line) bool {
	for _, mid := range tasks {
		if mid.Number > parent.Number && mid.Number < t.Number && mid.Indent <= parent.Indent {
			return false
		}
	}
	return true
}
