// The Redis port supports `KEYS pattern`; cached keys are matched against the glob pattern lazily.

package scan

import (
	"fmt"
	"iter"

	"v.io/v23/glob"
)

// MatchGlob filters the `keys` stream down to the keys matching the glob `pattern`. Patterns are matched against
// the whole key as a single element, so '/' has no special meaning.
func MatchGlob(pattern string, keys iter.Seq[string]) (iter.Seq[string], error) {
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	matcher := parsedPattern.Head()
	return func(yield func(string) bool) {
		for key := range keys {
			if matcher.Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}, nil
}
