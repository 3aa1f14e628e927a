package evaluate

import (
	"bufio"
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// startSentinel is written by the process supervisor before the worker's
// own output; its absence means the worker never started.
const startSentinel = "=== WORKER STARTING ==="

// LogInfo is the parsed shape of a worker log. The final text output is
// authoritative for signals and PR URLs; the raw log embeds generated
// content that may discuss errors it did not have.
type LogInfo struct {
	Exists         bool
	Empty          bool
	HasStart       bool
	ExitCode       int // -1 when no EXIT trailer was written
	FinalText      string
	Tail           []string // last tailLines non-empty lines
	ArbTail        []string // last arbTailLines lines, wider window for arbitration
	Substantive    int      // non-empty, non-metadata line count
	StartupError   string   // first error-looking line before the sentinel
	SizeBytes      int64
	RawPathMissing bool
}

// The heuristic tiers scan a narrow tail to avoid false positives from
// generated content; the arbitrator gets a much wider window because it
// reasons about the whole run, not token matches.
const (
	tailLines    = 20
	arbTailLines = 200
)

var exitTrailerRE = regexp.MustCompile(`^EXIT:(-?\d+)$`)

// ParseLog reads and classifies a worker log file.
func ParseLog(path string) (*LogInfo, error) {
	info := &LogInfo{ExitCode: -1}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			info.RawPathMissing = true
			return info, nil
		}
		return nil, err
	}
	info.Exists = true
	info.SizeBytes = st.Size()
	if st.Size() == 0 {
		info.Empty = true
		return info, nil
	}

	f, err := os.Open(path) // #nosec G304 - log path comes from the task row
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var (
		lines       []string
		lastResult  string
		beforeStart = true
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed == startSentinel {
			info.HasStart = true
			beforeStart = false
			continue
		}
		if m := exitTrailerRE.FindStringSubmatch(trimmed); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil {
				info.ExitCode = code
			}
			continue
		}
		if beforeStart {
			if info.StartupError == "" && looksLikeError(trimmed) {
				info.StartupError = trimmed
			}
			continue // dispatch-metadata prologue
		}
		lines = append(lines, trimmed)
		if text, ok := resultText(trimmed); ok {
			lastResult = text
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	info.Substantive = len(lines)
	if len(lines) > tailLines {
		info.Tail = lines[len(lines)-tailLines:]
	} else {
		info.Tail = lines
	}
	if len(lines) > arbTailLines {
		info.ArbTail = lines[len(lines)-arbTailLines:]
	} else {
		info.ArbTail = lines
	}

	if lastResult != "" {
		info.FinalText = lastResult
	} else {
		// Plain-text worker: the last stretch of output is the final text.
		n := len(lines)
		start := n - 50
		if start < 0 {
			start = 0
		}
		info.FinalText = strings.Join(lines[start:], "\n")
	}
	return info, nil
}

// resultText extracts the final text from a structured JSON stream line
// (the worker's --output-format json surface). Only "result" and final
// "assistant" text events are authoritative.
func resultText(line string) (string, bool) {
	if !strings.HasPrefix(line, "{") {
		return "", false
	}
	var msg struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return "", false
	}
	if msg.Type == "result" && msg.Result != "" {
		return msg.Result, true
	}
	return "", false
}

func looksLikeError(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "not found") ||
		strings.Contains(l, "permission denied") || strings.Contains(l, "no such file")
}

// TailContains reports whether any tail line matches the pattern,
// case-insensitively. Scanning only the tail avoids false positives from
// generated content earlier in the log.
func (l *LogInfo) TailContains(patterns ...string) bool {
	for _, line := range l.Tail {
		low := strings.ToLower(line)
		for _, p := range patterns {
			if strings.Contains(low, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

// TailText returns the tail joined for error extraction.
func (l *LogInfo) TailText() string {
	return strings.Join(l.Tail, "\n")
}

// ArbTailText returns the wide tail joined, the context shipped to the
// AI arbitrator.
func (l *LogInfo) ArbTailText() string {
	return strings.Join(l.ArbTail, "\n")
}
