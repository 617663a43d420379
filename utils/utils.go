package utils

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ParseTrialString expands a comma-separated list of trial numbers and
// ranges, e.g. "4,7,9-12" -> [4 7 9 10 11 12]. Duplicates are dropped and
// the result is sorted ascending.
func ParseTrialString(s string) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			first, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("bad trial range %q: %w", part, err)
			}
			last, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("bad trial range %q: %w", part, err)
			}
			if last < first {
				return nil, fmt.Errorf("bad trial range %q: end before start", part)
			}
			for i := first; i <= last; i++ {
				seen[i] = true
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad trial number %q: %w", part, err)
		}
		seen[n] = true
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// CreateTrialString is the inverse of ParseTrialString: it collapses a list
// of trial numbers into a compact "1-3,5,7-9" form for logs and status
// output.
func CreateTrialString(trials []int) string {
	if len(trials) == 0 {
		return ""
	}
	nums := append([]int(nil), trials...)
	sort.Ints(nums)

	var parts []string
	start, prev := nums[0], nums[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, n := range nums[1:] {
		if n == prev || n == prev+1 {
			if n == prev+1 {
				prev = n
			}
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return strings.Join(parts, ",")
}

// SimDir returns the directory holding all artifacts for one simulation,
// e.g. <workspace>/sims/s003.
func SimDir(workspace string, simID int64) string {
	return filepath.Join(workspace, "sims", fmt.Sprintf("s%03d", simID))
}

// TrialDir returns the sandbox directory for one trial. Trials are bucketed
// by thousands so no directory holds more than 1000 entries:
// trial 4012 of sim 1 -> <workspace>/sims/s001/004/012.
func TrialDir(workspace string, simID int64, trialNum int) string {
	return filepath.Join(SimDir(workspace, simID),
		fmt.Sprintf("%03d", trialNum/1000),
		fmt.Sprintf("%03d", trialNum%1000))
}
