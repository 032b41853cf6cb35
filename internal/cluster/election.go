package cluster

import "sort"

// electLeader returns the lexicographically smallest endpoint among
// candidates, §4.G's deterministic min-endpoint rule: every replica that
// agrees on the membership set agrees on the leader without a vote,
// and re-running it after any membership change is the entire re-election
// procedure. Returns "" for an empty candidate set.
func electLeader(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return sorted[0]
}
