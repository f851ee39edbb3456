// Package command pulls GeoGebra commands out of assistant messages.
//
// Two forms are recognized: inline `ggb:<command>` spans and fenced blocks
// opened by a ```geogebra line. Inline matches always come first in the
// result, followed by block lines in document order.
package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/comigor/geochat/internal/store"
)

var (
	inlineRe = regexp.MustCompile("`ggb:([^`]+)`")
	blockRe  = regexp.MustCompile("(?s)```geogebra\\r?\\n(.*?)```")
)

// Extract returns the commands embedded in text. It is a pure function of its input.
func Extract(text string) []string {
	if text == "" {
		return []string{}
	}

	var candidates []string
	for _, m := range inlineRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, m := range blockRe.FindAllStringSubmatch(text, -1) {
		for _, line := range strings.Split(m[1], "\n") {
			if strings.TrimSpace(line) != "" {
				candidates = append(candidates, line)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		trimmed := strings.TrimSpace(c)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if cmd := stripComment(trimmed); cmd != "" {
			out = append(out, cmd)
		}
	}
	return out
}

// stripComment cuts cmd at its first "//" unless an odd number of double
// quotes precedes it, in which case the slashes sit inside a string literal.
func stripComment(cmd string) string {
	i := strings.Index(cmd, "//")
	if i < 0 {
		return strings.TrimSpace(cmd)
	}
	if strings.Count(cmd[:i], `"`)%2 == 0 {
		cmd = cmd[:i]
	}
	return strings.TrimSpace(cmd)
}

// ExtractLatest extracts commands from the most recent assistant message.
func ExtractLatest(messages []store.Message) []string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != store.RoleAssistant {
			continue
		}
		if messages[i].Content == "" {
			return []string{}
		}
		return Extract(messages[i].Content)
	}
	return []string{}
}

// ExtractAll maps every assistant message to its commands. Messages without an
// id are keyed msg-<index>. Messages without commands map to an empty slice so
// callers can test for key presence.
func ExtractAll(messages []store.Message) map[string][]string {
	out := make(map[string][]string)
	for i, m := range messages {
		if m.Role != store.RoleAssistant {
			continue
		}
		key := m.ID
		if key == "" {
			key = fmt.Sprintf("msg-%d", i)
		}
		out[key] = Extract(m.Content)
	}
	return out
}
