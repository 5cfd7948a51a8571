// Package guard implements the prompt-injection guard that sits between
// LLM-chosen tool calls and their executors. The guard is stateless and
// pure: it inspects the serialized tool arguments and never modifies them.
package guard

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pattern definitions for injection detection.
var (
	// overridePhrases match instruction-override attempts embedded in
	// tool arguments.
	overridePhrases = []string{
		"ignore previous instructions",
		"ignore all previous instructions",
		"disregard the above",
		"disregard all previous",
	}

	// toolShape matches a tool-call-like JSON shape smuggled inside a
	// string field, which indicates a prompt-in-output attempt.
	toolShape = regexp.MustCompile(`(?i)"tool"\s*:.*"args"\s*:`)

	// shellMeta matches shell metacharacter sequences that have no
	// business inside a filesystem path.
	shellMeta = regexp.MustCompile("[;&|]|\\$\\(|`")
)

// Result is the guard's verdict on one tool call.
type Result struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
}

func blocked(reason string) Result { return Result{Safe: false, Reason: reason} }

// Check inspects the serialized arguments of a tool call and reports
// whether it is safe to execute. toolName is the canonical (already
// alias-normalized) tool name.
func Check(toolName string, args json.RawMessage) Result {
	lower := strings.ToLower(string(args))

	for _, phrase := range overridePhrases {
		if strings.Contains(lower, phrase) {
			return blocked("instruction override phrase: " + phrase)
		}
	}

	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		// Non-object arguments cannot carry the nested shapes below.
		return Result{Safe: true}
	}

	for key, value := range fields {
		str, ok := value.(string)
		if !ok {
			continue
		}
		if toolShape.MatchString(str) {
			return blocked("tool-call shape nested in field " + key)
		}
		if toolName != "run_command" && isPathField(key) && shellMeta.MatchString(str) {
			return blocked("shell metacharacters in path field " + key)
		}
	}

	return Result{Safe: true}
}

// isPathField reports whether the argument key names a filesystem path.
func isPathField(key string) bool {
	k := strings.ToLower(key)
	return k == "path" || strings.HasSuffix(k, "_path") || k == "dir" || k == "directory" || k == "filename"
}
