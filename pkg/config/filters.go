package config

import "strings"

// PathFilter is an ordered list of prefix rules. An entry starting with '!'
// denies, anything else accepts; the first matching rule wins and a path that
// matches no rule is rejected.
type PathFilter []string

// Accepts runs path through the filter.
func (f PathFilter) Accepts(path string) bool {
	for _, entry := range f {
		if deny := strings.HasPrefix(entry, "!"); deny {
			if strings.HasPrefix(path, entry[1:]) {
				return false
			}
		} else if strings.HasPrefix(path, entry) {
			return true
		}
	}
	return false
}
