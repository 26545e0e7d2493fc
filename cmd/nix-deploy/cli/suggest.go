// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"slices"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still offered as a
// "did you mean". Three covers "remtoe" for remote and "--targte" for
// --target.
const maxSuggestDistance = 3

// suggestCommand returns the subcommand of the current level closest to
// unknown ("confg" suggests config), or "" when none is within
// maxSuggestDistance.
func suggestCommand(unknown string, commands []*Command) string {
	bestName := ""
	bestDistance := maxSuggestDistance + 1

	for _, command := range commands {
		distance := levenshtein(unknown, command.Name)
		if distance < bestDistance {
			bestDistance = distance
			bestName = command.Name
		}
	}

	return bestName
}

// suggestFlag finds the first flag in args that flagSet does not define
// and returns the closest defined one with its prefix: "--dryrun"
// suggests "--dry-run", a single-letter match gets "-". Returns "" when
// every flag is known or nothing is close.
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	var defined []string
	flagSet.VisitAll(func(f *pflag.Flag) {
		defined = append(defined, f.Name)
	})

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if index := strings.IndexByte(name, '='); index >= 0 {
			name = name[:index]
		}

		isDefined := false
		flagSet.VisitAll(func(f *pflag.Flag) {
			if f.Name == name || f.Shorthand == name {
				isDefined = true
			}
		})
		if isDefined {
			continue
		}

		bestName := ""
		bestDistance := maxSuggestDistance + 1
		for _, candidate := range defined {
			distance := levenshtein(name, candidate)
			if distance < bestDistance {
				bestDistance = distance
				bestName = candidate
			}
		}

		if bestName != "" {
			if len(bestName) == 1 {
				return "-" + bestName
			}
			return "--" + bestName
		}

		// Only the first unrecognized flag is considered.
		break
	}

	return ""
}

// SuggestNames ranks candidates against a name the operator typed but
// that does not exist, such as a target passed to --target or
// show-target. A candidate qualifies when the input fuzzy-matches it as
// an fzf pattern ("prod-sever" in "prod-server") or is within
// maxSuggestDistance edits of it ("prdo-server"). Fuzzy matches come
// first by descending fzf score, then edit-distance matches by
// distance. At most limit names are returned.
func SuggestNames(input string, candidates []string, limit int) []string {
	if input == "" || limit <= 0 {
		return nil
	}

	type ranked struct {
		name     string
		fuzzy    bool
		score    int
		distance int
	}

	pattern := []rune(strings.ToLower(input))
	slab := util.MakeSlab(100*1024, 2048)
	var matches []ranked
	for _, candidate := range candidates {
		if candidate == input {
			continue
		}
		chars := util.ToChars([]byte(candidate))
		result, _ := algo.FuzzyMatchV2(false, false, true, &chars, pattern, false, slab)
		distance := levenshtein(strings.ToLower(input), strings.ToLower(candidate))
		fuzzy := result.Start >= 0 && result.Score > 0
		if !fuzzy && distance > maxSuggestDistance {
			continue
		}
		matches = append(matches, ranked{name: candidate, fuzzy: fuzzy, score: result.Score, distance: distance})
	}

	slices.SortStableFunc(matches, func(a, b ranked) int {
		switch {
		case a.fuzzy != b.fuzzy:
			if a.fuzzy {
				return -1
			}
			return 1
		case a.fuzzy && a.score != b.score:
			return b.score - a.score
		case a.distance != b.distance:
			return a.distance - b.distance
		}
		return strings.Compare(a.name, b.name)
	})

	names := make([]string, 0, min(limit, len(matches)))
	for _, match := range matches[:min(limit, len(matches))] {
		names = append(names, match.name)
	}
	return names
}

// levenshtein is the edit distance between a and b in single-byte
// edits.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// One row of the matrix, over the shorter string.
	if len(a) > len(b) {
		a, b = b, a
	}

	previous := make([]int, len(a)+1)
	for i := range previous {
		previous[i] = i
	}

	for j := 1; j <= len(b); j++ {
		current := make([]int, len(a)+1)
		current[0] = j

		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			deletion := previous[i] + 1
			insertion := current[i-1] + 1
			substitution := previous[i-1] + cost

			current[i] = min(deletion, min(insertion, substitution))
		}

		previous = current
	}

	return previous[len(a)]
}
