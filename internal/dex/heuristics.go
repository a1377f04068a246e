package dex

import (
	"regexp"
	"sort"
	"strconv"
)

// matchAmounts applies an amount-extracting regexp to a log line and
// returns every captured integer inside [min, max]. Kept as a pure
// function so each heuristic is testable on its own.
func matchAmounts(re *regexp.Regexp, line string, min, max uint64) []uint64 {
	var amounts []uint64
	for _, m := range re.FindAllStringSubmatch(line, -1) {
		a, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		if a >= min && a <= max {
			amounts = append(amounts, a)
		}
	}
	return amounts
}

// dedupeSortDesc removes duplicates and sorts the remaining amounts
// largest-first, so callers can take the two swap legs off the front.
func dedupeSortDesc(amounts []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(amounts))
	var unique []uint64
	for _, a := range amounts {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] > unique[j] })
	return unique
}
