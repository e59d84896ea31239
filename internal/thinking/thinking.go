// Package thinking splits streamed model output into a reasoning segment and
// the user-facing answer. Models emit intermediate reasoning wrapped in tags
// like <thinking>…</thinking>; because the stream arrives in arbitrary chunks,
// a tag can be split across network reads, so Parse always re-scans the full
// accumulated text rather than the latest chunk.
package thinking

import (
	"fmt"
	"regexp"
	"strings"
)

// tagNames is the closed set of reasoning tags recognized across providers.
var tagNames = []string{"thinking", "thought", "scratchpad", "tool_code", "function_calls", "tool_calls"}

var openTagPattern = regexp.MustCompile(`<(` + strings.Join(tagNames, "|") + `)>`)

// Result is the classification of one accumulated stream snapshot.
type Result struct {
	Thinking string
	Final    string
	Complete bool // the reasoning block has been closed
}

// Parse classifies accumulated stream text. It is pure and idempotent:
// calling it repeatedly on the same input yields the same result, and it
// carries no state between calls.
func Parse(accumulated string) Result {
	loc := openTagPattern.FindStringSubmatchIndex(accumulated)
	if loc == nil {
		// No reasoning tag at all: everything is answer text.
		return Result{Final: accumulated}
	}

	tag := accumulated[loc[2]:loc[3]]
	closing := fmt.Sprintf("</%s>", tag)

	if !strings.Contains(accumulated, closing) {
		// Block still open: everything after the opening tag is reasoning.
		return Result{Thinking: accumulated[loc[1]:]}
	}

	// Extract the first non-greedy <tag>…</tag> block.
	blockPattern := regexp.MustCompile(fmt.Sprintf(`(?s)<%s>(.*?)</%s>`, tag, tag))
	m := blockPattern.FindStringSubmatchIndex(accumulated)
	if m == nil {
		// Open and close markers seen but the block does not extract
		// (malformed nesting). Treat the whole text as reasoning so
		// nothing leaks into the answer. Documented fallback, not an error.
		return Result{Thinking: accumulated}
	}

	return Result{
		Thinking: accumulated[m[2]:m[3]],
		Final:    strings.TrimSpace(accumulated[m[1]:]),
		Complete: true,
	}
}
