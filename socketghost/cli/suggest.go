// Package cli holds helpers shared by the command line entry points.
package cli

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxSuggestionDistance bounds the edit distance of a "did you mean" hint.
const maxSuggestionDistance = 3

// UnknownNameError reports a command or subcommand that is not recognized.
type UnknownNameError struct {
	Scope      string // "command" or "<parent> subcommand"
	Name       string
	Suggestion string // empty when nothing is close
}

func (e *UnknownNameError) Error() string {
	msg := fmt.Sprintf("unknown %s: %s", e.Scope, e.Name)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(" (did you mean %q?)", e.Suggestion)
	}
	return msg
}

// UnknownCommandError builds an UnknownNameError for a top level command.
func UnknownCommandError(name string, known []string) error {
	return &UnknownNameError{Scope: "command", Name: name, Suggestion: Suggest(name, known)}
}

// UnknownSubcommandError builds an UnknownNameError for a subcommand of parent.
func UnknownSubcommandError(parent, name string, known []string) error {
	return &UnknownNameError{Scope: parent + " subcommand", Name: name, Suggestion: Suggest(name, known)}
}

// Suggest picks the known name closest to input. A unique prefix match wins
// outright; otherwise the nearest name within maxSuggestionDistance edits is
// returned, ties going to the earlier entry.
func Suggest(input string, known []string) string {
	if input == "" {
		return ""
	}

	var prefixed []string
	for _, k := range known {
		if strings.HasPrefix(k, input) {
			prefixed = append(prefixed, k)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0]
	}

	best, bestDist := "", maxSuggestionDistance+1
	for _, k := range known {
		if d := levenshtein.ComputeDistance(input, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
