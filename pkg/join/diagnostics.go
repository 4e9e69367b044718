package join

import (
	"fmt"
	"os"
	"strings"
)

// readTranscript loads the tee'd installer transcript INSTALL wrote,
// for INSPECT_TRANSCRIPT to parse without re-capturing output.
func readTranscript(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

// transcriptFindings captures the handful of text markers
// INSPECT_TRANSCRIPT cares about.
type transcriptFindings struct {
	SkippedServiceStart bool
	Failed              bool
}

// inspectTranscript looks for the upstream installer's "no change,
// skipping service start" marker, which otherwise leaves the service
// running with stale arguments, and a generic failure marker used only
// for diagnostics - it never aborts the run on its own.
func inspectTranscript(text string) transcriptFindings {
	return transcriptFindings{
		SkippedServiceStart: strings.Contains(text, "No change detected") && strings.Contains(text, "skipping service start"),
		Failed:              strings.Contains(strings.ToLower(text), "failed") || strings.Contains(strings.ToLower(text), "error"),
	}
}

// lastLines returns the final n lines of text, joined for inclusion in
// a single-line herrors.Error context string.
func lastLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
