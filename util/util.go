package util

import (
	"strings"
)

// LastNonEmptyLine returns the last line of out that is not blank, or "" if there is none.
func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if len(strings.TrimSpace(lines[i])) > 0 {
			return lines[i]
		}
	}
	return ""
}
