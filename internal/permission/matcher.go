// Package permission implements the rule-based tool-use guardrails: rule
// CRUD, ordered deterministic evaluation, the pattern matcher, and the
// append-only audit log.
package permission

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/conduithq/conduit/internal/store"
)

// Matches reports whether a rule applies to a tool-use request.
func Matches(rule *store.PermissionRule, toolName string, toolInput map[string]any) bool {
	if rule.ToolName != store.RuleToolAny && rule.ToolName != toolName {
		return false
	}
	// Empty content matches any input for the tool.
	if rule.RuleContent == "" {
		return true
	}
	return matchPattern(rule.RuleContent, matchTarget(toolName, toolInput))
}

// matchTarget picks the value the pattern is applied to. Well-known tools
// match against their primary argument; everything else matches against the
// canonical JSON serialization of the whole input.
func matchTarget(toolName string, toolInput map[string]any) string {
	switch toolName {
	case "Bash":
		if cmd, ok := toolInput["command"].(string); ok {
			return cmd
		}
	case "Read", "Write", "Edit":
		if path, ok := toolInput["file_path"].(string); ok {
			return path
		}
	}
	data, err := json.Marshal(toolInput)
	if err != nil {
		return ""
	}
	return string(data)
}

// matchPattern applies the limited glob syntax: "*" matches any run of any
// characters, everything else is literal. A pattern of the form "prefix:*"
// additionally matches any value starting with prefix.
func matchPattern(pattern, value string) bool {
	// Prefix-colon special case: "git:*" matches any command starting
	// with "git".
	if idx := strings.Index(pattern, ":"); idx >= 0 && pattern[idx+1:] == "*" {
		return strings.HasPrefix(value, pattern[:idx])
	}

	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// globToRegexp converts the glob to a full-string anchored regular
// expression, escaping every metacharacter except "*".
func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		// Split yields the literal runs between wildcards; the join
		// re-inserts ".*" for each "*".
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}
	out := strings.TrimSuffix(b.String(), ".*")
	return out + "$"
}
