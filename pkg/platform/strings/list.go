// Package strings holds small string helpers shared by config parsing.
package strings

import "strings"

// SplitList splits s on sep, trims each element and drops empties and
// repeats. Order of first occurrence is kept. Returns nil when nothing is left.
func SplitList(s, sep string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(s, sep) {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
